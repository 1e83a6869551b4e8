package comfyui

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yejunhao159/comfyui-agent/internal/backoff"
	"github.com/yejunhao159/comfyui-agent/internal/events"
)

// wsEventMap translates backend message types to bus event types.
var wsEventMap = map[string]events.Type{
	"progress":        events.ComfyProgress,
	"executing":       events.ComfyExecuting,
	"executed":        events.ComfyExecuted,
	"execution_error": events.ComfyError,
	"status":          events.ComfyStatus,
}

// WSListener maintains the websocket connection to ComfyUI and relays
// execution events onto the bus. It reconnects with backoff until stopped.
type WSListener struct {
	client *Client
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSListener creates a listener bound to the client's identity.
func NewWSListener(client *Client, bus *events.Bus, logger *slog.Logger) *WSListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSListener{client: client, bus: bus, logger: logger}
}

// Start launches the background read loop. Safe to call once.
func (l *WSListener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop tears down the connection and waits for the loop to exit.
func (l *WSListener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *WSListener) run(ctx context.Context) {
	defer close(l.done)
	policy := backoff.ReconnectPolicy()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := l.connect(ctx)
		if err != nil {
			attempt++
			delay := backoff.Compute(policy, attempt)
			l.logger.Warn("comfyui websocket connect failed",
				"attempt", attempt, "retry_in", delay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		l.logger.Info("comfyui websocket connected")
		l.readLoop(ctx, conn)
		conn.Close()
	}
}

func (l *WSListener) connect(ctx context.Context) (*websocket.Conn, error) {
	url := l.client.wsURL + "?clientId=" + l.client.ClientID()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

func (l *WSListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("comfyui websocket read failed", "err", err)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			l.handleText(data)
		case websocket.BinaryMessage:
			// Binary frames are live preview images.
			l.bus.Publish(events.New(events.ComfyPreview, "", map[string]any{
				"image_data": data,
			}))
		}
	}
}

func (l *WSListener) handleText(raw []byte) {
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.logger.Debug("unparseable websocket message", "err", err)
		return
	}
	if evType, ok := wsEventMap[msg.Type]; ok {
		l.bus.Publish(events.New(evType, "", msg.Data))
	}
}
