package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"optiondesk/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize ёмкость очереди broadcast; при переполнении сообщение отбрасывается
const broadcastBufferSize = 256

// Hub управляет всеми активными WebSocket соединениями фронтенда.
//
// Рассылает снимки строк деска всем подключённым клиентам. Медленные
// клиенты, у которых переполнен буфер отправки, отключаются.
//
// Использование:
//  1. hub := NewHub(origins, logger)
//  2. go hub.Run()
//  3. hub.Broadcast(message)
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	origins *OriginChecker
	logger  *utils.Logger

	dropped  atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}

	// Mutex для clients; мутирует только Run
	mu sync.RWMutex
}

// NewHub создаёт Hub; origins - разрешённые Origin браузера помимо localhost
func NewHub(origins []string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		origins:    NewOriginChecker(origins),
		logger:     logger.WithComponent("ws_hub"),
		stopCh:     make(chan struct{}),
	}
}

// Run главный цикл Hub. Должен запускаться в отдельной горутине.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			// копируем список под коротким RLock, отправляем без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients", utils.Int("removed", len(slow)), utils.Int("clients", total))
			}
		}
	}
}

// Stop завершает Run и закрывает буферы клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки.
// Не блокирует: при полной очереди сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.stopCh:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
