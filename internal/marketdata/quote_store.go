package marketdata

import (
	"sort"
	"sync"
	"time"

	"optiondesk/internal/models"
	"optiondesk/pkg/utils"
)

// Константы FNV-1a для 32-битного хэша
const (
	fnvOffset32 = uint32(2166136261)
	fnvPrime32  = uint32(16777619)
)

// fnvHash FNV-1a без аллокаций
func fnvHash(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// DefaultStoreShards количество шардов по умолчанию
const DefaultStoreShards = 16

// QuoteStore шардированное хранилище последних котировок.
//
// Символ -> шард через fnvHash(symbol) % numShards, у каждого шарда свой RWMutex.
// Слияния одного символа сериализуются мьютексом шарда и применяются
// в порядке вызова. Читатель видит результат Merge сразу после его возврата.
type QuoteStore struct {
	shards    []*quoteShard
	numShards uint32
	now       func() time.Time
}

type quoteShard struct {
	quotes map[string]*models.Quote
	mu     sync.RWMutex
}

// NewQuoteStore создаёт хранилище; numShards <= 0 означает DefaultStoreShards
func NewQuoteStore(numShards int) *QuoteStore {
	if numShards <= 0 {
		numShards = DefaultStoreShards
	}
	s := &QuoteStore{
		shards:    make([]*quoteShard, numShards),
		numShards: uint32(numShards),
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &quoteShard{quotes: make(map[string]*models.Quote)}
	}
	return s
}

func (s *QuoteStore) shard(symbol string) *quoteShard {
	return s.shards[fnvHash(symbol)%s.numShards]
}

// Merge применяет частичное обновление (last-known-good).
// Котировка создаётся при первом обновлении символа.
func (s *QuoteStore) Merge(symbol string, u models.QuoteUpdate) {
	if symbol == "" {
		return
	}
	sh := s.shard(symbol)
	sh.mu.Lock()
	q, ok := sh.quotes[symbol]
	if !ok {
		nq := models.NewQuote(symbol)
		q = &nq
		sh.quotes[symbol] = q
	}
	q.Merge(u, s.now())
	sh.mu.Unlock()
}

// SeedBook записывает стакан из REST-снимка, только если поток ещё не прислал
// ни одной стороны стакана. Возвращает true, если снимок применён.
func (s *QuoteStore) SeedBook(symbol string, bid, ask float64) bool {
	if symbol == "" {
		return false
	}
	u := models.QuoteUpdate{}
	if utils.IsFinite(bid) && bid > 0 {
		u.BookBid = models.F(bid)
	}
	if utils.IsFinite(ask) && ask > 0 {
		u.BookAsk = models.F(ask)
	}
	if u.BookBid == nil && u.BookAsk == nil {
		return false
	}

	sh := s.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	q, ok := sh.quotes[symbol]
	if !ok {
		nq := models.NewQuote(symbol)
		q = &nq
		sh.quotes[symbol] = q
	}
	if utils.IsFinite(q.BookBid) || utils.IsFinite(q.BookAsk) {
		return false
	}
	q.Merge(u, s.now())
	return true
}

// Get возвращает копию котировки. Для неизвестного символа пустая котировка и false.
func (s *QuoteStore) Get(symbol string) (models.Quote, bool) {
	sh := s.shard(symbol)
	sh.mu.RLock()
	q, ok := sh.quotes[symbol]
	var out models.Quote
	if ok {
		out = *q
	}
	sh.mu.RUnlock()

	if !ok {
		return models.NewQuote(symbol), false
	}
	return out, true
}

// Snapshot возвращает копии котировок для набора символов (только известные)
func (s *QuoteStore) Snapshot(symbols []string) map[string]models.Quote {
	out := make(map[string]models.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.Get(sym); ok {
			out[sym] = q
		}
	}
	return out
}

// Symbols список всех известных символов по алфавиту
func (s *QuoteStore) Symbols() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for sym := range sh.quotes {
			out = append(out, sym)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Len количество символов в хранилище
func (s *QuoteStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.quotes)
		sh.mu.RUnlock()
	}
	return n
}
