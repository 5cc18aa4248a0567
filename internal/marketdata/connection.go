package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"optiondesk/pkg/utils"
)

// ErrNotConnected отправка при закрытом сокете
var ErrNotConnected = errors.New("stream not connected")

// ConnectionConfig конфигурация соединения канала
type ConnectionConfig struct {
	// Таймаут handshake
	ConnectTimeout time.Duration
	// Интервал прикладного ping {"op":"ping"}
	PingInterval time.Duration
	// Чтение без входящих кадров дольше этого считается обрывом
	ReadTimeout time.Duration
	// Таймаут записи одного кадра
	WriteTimeout time.Duration

	// Задержка переподключения: Floor * Factor^n, не больше Ceiling
	BackoffFloor   time.Duration
	BackoffFactor  float64
	BackoffCeiling time.Duration
}

// DefaultConnectionConfig возвращает конфигурацию по умолчанию
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		ReadTimeout:    50 * time.Second,
		WriteTimeout:   5 * time.Second,
		BackoffFloor:   DefaultBackoffFloor,
		BackoffFactor:  DefaultBackoffFactor,
		BackoffCeiling: DefaultBackoffCeiling,
	}
}

// ConnectionState состояние соединения
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var pingFrame = []byte(`{"op":"ping"}`)

// Connection одно WebSocket соединение класса канала с переподключением.
//
// Жизненный цикл:
// 1. NewConnection + SetOnMessage / SetOnConnect
// 2. Start() запускает цикл dial -> read -> backoff -> dial
// 3. onConnect вызывается после каждого успешного открытия (переподписка)
// 4. Close() останавливает цикл
//
// Ошибки чтения и dial не выходят наружу, только в цикл переподключения.
type Connection struct {
	class  ChannelClass
	url    string
	config ConnectionConfig
	logger *utils.Logger

	backoff *Backoff

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state int32 // atomic ConnectionState

	// Количество успешных открытий (для тестов и логов)
	opens int64 // atomic

	closeChan chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	started   int32 // atomic
	done      chan struct{}

	onMessage  func([]byte)
	onConnect  func()
	callbackMu sync.RWMutex
}

// NewConnection создаёт соединение, не открывая его
func NewConnection(class ChannelClass, url string, config ConnectionConfig, logger *utils.Logger) *Connection {
	if logger == nil {
		logger = utils.L()
	}
	return &Connection{
		class:     class,
		url:       url,
		config:    config,
		logger:    logger.WithComponent("stream").WithClass(string(class)),
		backoff:   NewBackoff(config.BackoffFloor, config.BackoffFactor, config.BackoffCeiling),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих кадров (вызывается из горутины чтения)
func (c *Connection) SetOnMessage(handler func([]byte)) {
	c.callbackMu.Lock()
	c.onMessage = handler
	c.callbackMu.Unlock()
}

// SetOnConnect устанавливает обработчик успешного открытия
func (c *Connection) SetOnConnect(handler func()) {
	c.callbackMu.Lock()
	c.onConnect = handler
	c.callbackMu.Unlock()
}

// State текущее состояние
func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// IsConnected открыт ли сокет
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Opens количество успешных открытий с момента Start
func (c *Connection) Opens() int64 {
	return atomic.LoadInt64(&c.opens)
}

func (c *Connection) setState(s ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Start запускает цикл соединения. Повторные вызовы игнорируются.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		select {
		case <-c.closeChan:
			return
		default:
		}
		atomic.StoreInt32(&c.started, 1)
		go c.run()
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// wait ждёт d или закрытия; false если соединение закрыто
func (c *Connection) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.closeChan:
		return false
	case <-timer.C:
		return true
	}
}

// run цикл dial -> read -> backoff
func (c *Connection) run() {
	defer close(c.done)

	for {
		if c.closed() {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			RecordReconnect(c.class, false)
			delay := c.backoff.Next()
			c.logger.Warn("stream dial failed", utils.Err(err), utils.Delay(delay))
			c.setState(StateReconnecting)
			if !c.wait(delay) {
				return
			}
			continue
		}

		c.backoff.Reset()
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		if atomic.AddInt64(&c.opens, 1) > 1 {
			RecordReconnect(c.class, true)
		}
		c.setState(StateConnected)
		UpdateConnectionStatus(c.class, true)
		c.logger.Info("stream connected", utils.Endpoint(c.url))

		c.callbackMu.RLock()
		onConnect := c.onConnect
		c.callbackMu.RUnlock()
		if onConnect != nil {
			onConnect()
		}

		stopPing := make(chan struct{})
		go c.pingLoop(conn, stopPing)

		err = c.readLoop(conn)
		close(stopPing)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
		UpdateConnectionStatus(c.class, false)

		if c.closed() {
			return
		}

		c.setState(StateReconnecting)
		delay := c.backoff.Next()
		c.logger.Warn("stream disconnected", utils.Err(err), utils.Delay(delay))
		if !c.wait(delay) {
			return
		}
	}
}

// dial выполняет подключение с таймаутом
func (c *Connection) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// readLoop читает кадры до ошибки
func (c *Connection) readLoop(conn *websocket.Conn) error {
	for {
		if c.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		c.callbackMu.RLock()
		onMessage := c.onMessage
		c.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingLoop отправляет {"op":"ping"} пока соединение открыто
func (c *Connection) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.write(conn, pingFrame); err != nil {
				c.logger.Debug("ping failed", utils.Err(err))
				// обрыв разбудит readLoop
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send сериализует и отправляет управляющее сообщение.
// При закрытом сокете возвращает ErrNotConnected; вызывающий код её игнорирует,
// подписки восстанавливаются в onConnect.
func (c *Connection) Send(msg interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return c.write(conn, data)
}

// Close закрывает соединение и останавливает переподключение
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.setState(StateClosed)

		c.connMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		if atomic.LoadInt32(&c.started) == 1 {
			<-c.done
		}
		c.setState(StateClosed)
	})
	return err
}
