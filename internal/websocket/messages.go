package websocket

import "time"

// MessageType определяет тип WebSocket сообщения
type MessageType string

const (
	// MessageTypeRows - полный снимок строк деска.
	// Отправляется с интервалом ROWS_PUSH_INTERVAL, пока есть подключённые клиенты.
	MessageTypeRows MessageType = "rows"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// RowsMessage снимок строк; Data - то же, что отдаёт GET /api/v1/rows
type RowsMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// NewRowsMessage создаёт сообщение со снимком строк
func NewRowsMessage(rows interface{}, at time.Time) *RowsMessage {
	return &RowsMessage{
		BaseMessage: BaseMessage{Type: MessageTypeRows, Timestamp: at},
		Data:        rows,
	}
}
