package handlers

import (
	"context"
	"time"

	"optiondesk/internal/websocket"
	"optiondesk/pkg/utils"
)

// Broadcaster рассылка сообщений подключённым WebSocket клиентам
type Broadcaster interface {
	Broadcast(message interface{})
	ClientCount() int
}

// RowsStreamer периодически публикует строки деска в /ws/rows.
// Пока клиентов нет, строки не считаются.
type RowsStreamer struct {
	desk     DeskServiceInterface
	hub      Broadcaster
	interval time.Duration
	now      func() time.Time
	logger   *utils.Logger
}

// NewRowsStreamer создает RowsStreamer
func NewRowsStreamer(desk DeskServiceInterface, hub Broadcaster, interval time.Duration, logger *utils.Logger) *RowsStreamer {
	if logger == nil {
		logger = utils.L()
	}
	return &RowsStreamer{
		desk:     desk,
		hub:      hub,
		interval: interval,
		now:      time.Now,
		logger:   logger.WithComponent("rows_stream"),
	}
}

// Run блокирует до отмены ctx
func (s *RowsStreamer) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Publish()
		}
	}
}

// Publish отправляет один снимок; false если клиентов нет или строки не посчитались
func (s *RowsStreamer) Publish() bool {
	if s.hub.ClientCount() == 0 {
		return false
	}
	rows, err := rowsResponse(s.desk)
	if err != nil {
		s.logger.Warn("failed to build rows", utils.Err(err))
		return false
	}
	s.hub.Broadcast(websocket.NewRowsMessage(rows, s.now()))
	return true
}

func rowsResponse(desk DeskServiceInterface) ([]RowResponse, error) {
	rows, err := desk.Rows()
	if err != nil {
		return nil, err
	}
	response := make([]RowResponse, 0, len(rows))
	for _, row := range rows {
		response = append(response, rowToResponse(row))
	}
	return response, nil
}
