package marketdata

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"optiondesk/pkg/utils"
)

func TestConnectionResetsBackoffAfterOpen(t *testing.T) {
	fs := newFakeStream(t)
	fs.reject.Store(3)

	cfg := testMuxConfig(nil).Connection
	cfg.BackoffFloor = 5 * time.Millisecond
	cfg.BackoffFactor = 2
	cfg.BackoffCeiling = 40 * time.Millisecond

	conn := NewConnection(ClassOption, fs.URL(), cfg, nil)
	t.Cleanup(func() { conn.Close() })
	conn.Start()

	fs.expectOpen(t)
	deadline := time.Now().Add(2 * time.Second)
	for conn.Opens() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected successful open after rejected handshakes")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// три отказа подняли задержку до 40ms, открытие вернуло её к нижней границе
	if got := conn.backoff.Peek(); got != cfg.BackoffFloor {
		t.Errorf("expected backoff reset to %v, got %v", cfg.BackoffFloor, got)
	}
}

func TestMultiplexerLogsComponentOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := utils.NewLogger(zap.New(core))

	mux := NewMultiplexer(testMuxConfig(map[ChannelClass]string{ClassOption: "ws://127.0.0.1:1"}), nil, logger)
	t.Cleanup(mux.Close)

	ch := mux.channel(ClassOption)
	if ch == nil {
		t.Fatal("expected option channel")
	}
	mux.logger.Info("mux")
	ch.logger.Info("channel")
	ch.conn.logger.Info("connection")

	for _, entry := range logs.All() {
		n := 0
		for _, f := range entry.Context {
			if f.Key == "component" {
				n++
			}
		}
		if n != 1 {
			t.Errorf("%s: expected one component field, got %d", entry.Message, n)
		}
	}
	if logs.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", logs.Len())
	}
}
