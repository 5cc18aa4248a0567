package marketdata

import (
	"sort"
	"strings"
	"sync"
	"time"

	"optiondesk/internal/models"
	"optiondesk/pkg/utils"
)

// ChannelClass класс потокового канала; у каждого класса своё соединение и свой реестр подписок
type ChannelClass string

const (
	ClassOption ChannelClass = "option"
	ClassLinear ChannelClass = "linear"
)

// Публичные эндпоинты Bybit V5
const (
	OptionStreamURL = "wss://stream.bybit.com/v5/public/option"
	LinearStreamURL = "wss://stream.bybit.com/v5/public/linear"
)

// MaxTopicsPerFrame ограничение Bybit на число топиков в одном subscribe
const MaxTopicsPerFrame = 20

// Tick доставляемое подписчику обновление
type Tick struct {
	Class      ChannelClass
	Symbol     string
	Update     models.QuoteUpdate
	Quote      models.Quote // котировка после слияния
	ReceivedAt time.Time
}

// Callback обработчик тиков. Вызывается из горутины чтения соединения,
// поэтому не должен блокироваться.
type Callback func(Tick)

// Subscriber источник тиков по символу
type Subscriber interface {
	Subscribe(class ChannelClass, symbol string, cb Callback) (unsubscribe func())
}

// controlMessage управляющий кадр Bybit
type controlMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// MultiplexerConfig конфигурация мультиплексора
type MultiplexerConfig struct {
	Endpoints  map[ChannelClass]string
	Connection ConnectionConfig
}

// DefaultMultiplexerConfig продовые эндпоинты и параметры соединения
func DefaultMultiplexerConfig() MultiplexerConfig {
	return MultiplexerConfig{
		Endpoints: map[ChannelClass]string{
			ClassOption: OptionStreamURL,
			ClassLinear: LinearStreamURL,
		},
		Connection: DefaultConnectionConfig(),
	}
}

// Multiplexer пул соединений по классам каналов с подсчётом ссылок на символы.
//
// Первая подписка класса запускает его соединение. Тики сначала сливаются
// в QuoteStore, затем раздаются callback-ам символа.
type Multiplexer struct {
	config MultiplexerConfig
	store  *QuoteStore
	// base без поля component: из него строятся логгеры соединений
	base   *utils.Logger
	logger *utils.Logger

	mu       sync.Mutex
	channels map[ChannelClass]*channel
	closed   bool
}

// NewMultiplexer создаёт мультиплексор; store == nil создаёт собственное хранилище
func NewMultiplexer(config MultiplexerConfig, store *QuoteStore, logger *utils.Logger) *Multiplexer {
	if store == nil {
		store = NewQuoteStore(DefaultStoreShards)
	}
	if logger == nil {
		logger = utils.L()
	}
	return &Multiplexer{
		config:   config,
		store:    store,
		base:     logger,
		logger:   logger.WithComponent("multiplexer"),
		channels: make(map[ChannelClass]*channel),
	}
}

// Store хранилище котировок мультиплексора
func (m *Multiplexer) Store() *QuoteStore {
	return m.store
}

// Subscribe подписывает callback на тики символа.
// Возвращённая функция отписки идемпотентна.
func (m *Multiplexer) Subscribe(class ChannelClass, symbol string, cb Callback) func() {
	ch := m.channel(class)
	if ch == nil || symbol == "" || cb == nil {
		return func() {}
	}

	id := ch.add(symbol, cb)
	ch.start()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.remove(symbol, id)
		})
	}
}

// Subscribed символы класса, на которые есть подписчики
func (m *Multiplexer) Subscribed(class ChannelClass) []string {
	m.mu.Lock()
	ch := m.channels[class]
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.symbols()
}

// Connected открыто ли соединение класса
func (m *Multiplexer) Connected(class ChannelClass) bool {
	m.mu.Lock()
	ch := m.channels[class]
	m.mu.Unlock()
	return ch != nil && ch.conn.IsConnected()
}

// channel возвращает канал класса, создавая его при первом обращении
func (m *Multiplexer) channel(class ChannelClass) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if ch, ok := m.channels[class]; ok {
		return ch
	}
	url, ok := m.config.Endpoints[class]
	if !ok || url == "" {
		m.logger.Warn("no endpoint for channel class", utils.Class(string(class)))
		return nil
	}

	ch := newChannel(class, url, m.config.Connection, m.store, m.base)
	m.channels[class] = ch
	return ch
}

// Close закрывает все соединения
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	channels := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.conn.Close()
	}
}

// ============================================================
// channel: соединение + реестр подписок одного класса
// ============================================================

type channel struct {
	class  ChannelClass
	conn   *Connection
	store  *QuoteStore
	logger *utils.Logger

	// мьютекс только на изменение реестра; callback-и вызываются без него
	mu     sync.Mutex
	subs   map[string]map[uint64]Callback
	nextID uint64

	// держится от изменения реестра до отправки кадра, чтобы порядок
	// subscribe/unsubscribe на проводе совпадал с порядком в реестре
	sendMu sync.Mutex
}

func newChannel(class ChannelClass, url string, cfg ConnectionConfig, store *QuoteStore, logger *utils.Logger) *channel {
	ch := &channel{
		class:  class,
		store:  store,
		logger: logger.WithComponent("multiplexer").WithClass(string(class)),
		subs:   make(map[string]map[uint64]Callback),
	}
	ch.conn = NewConnection(class, url, cfg, logger)
	ch.conn.SetOnMessage(ch.dispatch)
	ch.conn.SetOnConnect(ch.resubscribe)
	return ch
}

func (ch *channel) start() {
	ch.conn.Start()
}

// add регистрирует callback и отправляет subscribe, если соединение открыто
func (ch *channel) add(symbol string, cb Callback) uint64 {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	set, ok := ch.subs[symbol]
	if !ok {
		set = make(map[uint64]Callback)
		ch.subs[symbol] = set
	}
	set[id] = cb
	active := len(ch.subs)
	ch.mu.Unlock()

	UpdateActiveSymbols(ch.class, active)
	ch.send("subscribe", Topics(symbol))
	return id
}

// remove снимает callback; пустой набор удаляет символ и отправляет unsubscribe
func (ch *channel) remove(symbol string, id uint64) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	ch.mu.Lock()
	set, ok := ch.subs[symbol]
	if !ok {
		ch.mu.Unlock()
		return
	}
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(ch.subs, symbol)
	}
	active := len(ch.subs)
	ch.mu.Unlock()

	if last {
		UpdateActiveSymbols(ch.class, active)
		ch.send("unsubscribe", Topics(symbol))
	}
}

func (ch *channel) symbols() []string {
	ch.mu.Lock()
	out := make([]string, 0, len(ch.subs))
	for sym := range ch.subs {
		out = append(out, sym)
	}
	ch.mu.Unlock()
	sort.Strings(out)
	return out
}

// resubscribe вызывается после каждого открытия: подписка строится из текущего реестра
func (ch *channel) resubscribe() {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	symbols := ch.symbols()
	if len(symbols) == 0 {
		return
	}
	topics := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		topics = append(topics, Topics(sym)...)
	}
	for _, chunk := range chunkTopics(topics, MaxTopicsPerFrame) {
		ch.send("subscribe", chunk)
	}
	ch.logger.Info("resubscribed", utils.Int("symbols", len(symbols)))
}

// send отправляет управляющий кадр; ошибки на закрытом сокете игнорируются
func (ch *channel) send(op string, topics []string) {
	if err := ch.conn.Send(controlMessage{Op: op, Args: topics}); err != nil && err != ErrNotConnected {
		ch.logger.Debug("control frame not sent",
			utils.String("op", op),
			utils.Topic(strings.Join(topics, ",")),
			utils.Err(err))
	}
}

// dispatch разбирает кадр, сливает его в хранилище и раздаёт подписчикам
func (ch *channel) dispatch(raw []byte) {
	start := time.Now()

	frame, err := ParseFrame(raw)
	if err != nil {
		RecordDrop(ch.class, "malformed")
		ch.logger.Debug("frame dropped", utils.Err(err))
		return
	}
	RecordFrame(ch.class, frame.Kind)
	if frame.Kind == FrameControl {
		return
	}

	ch.mu.Lock()
	set := ch.subs[frame.Symbol]
	callbacks := make([]Callback, 0, len(set))
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		callbacks = append(callbacks, set[id])
	}
	ch.mu.Unlock()

	// кадр для символа без подписчиков (отписка в полёте) отбрасывается
	if len(callbacks) == 0 {
		RecordDrop(ch.class, "unsubscribed")
		return
	}

	ch.store.Merge(frame.Symbol, frame.Update)
	quote, _ := ch.store.Get(frame.Symbol)

	tick := Tick{
		Class:      ch.class,
		Symbol:     frame.Symbol,
		Update:     frame.Update,
		Quote:      quote,
		ReceivedAt: start,
	}
	for _, cb := range callbacks {
		ch.invoke(cb, tick)
	}

	RecordDispatch(ch.class, float64(time.Since(start).Microseconds())/1000)
}

// invoke вызывает callback, паника подписчика не роняет горутину чтения
func (ch *channel) invoke(cb Callback, tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("subscriber panicked", utils.Symbol(tick.Symbol), utils.Any("panic", r))
		}
	}()
	cb(tick)
}

// chunkTopics делит топики на кадры не длиннее size
func chunkTopics(topics []string, size int) [][]string {
	if size <= 0 {
		size = MaxTopicsPerFrame
	}
	var out [][]string
	for len(topics) > size {
		out = append(out, topics[:size])
		topics = topics[size:]
	}
	if len(topics) > 0 {
		out = append(out, topics)
	}
	return out
}
