package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the slice of *websocket.Conn the relay touches, split out so tests
// can run against a fake connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// outboundWriter serializes every write to the client connection. gorilla
// allows at most one concurrent writer; the dispatcher goroutine, the
// coordinator, and the keepalive ticker all funnel through here.
type outboundWriter struct {
	ws           wsConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newOutboundWriter(ws wsConn, writeTimeout time.Duration) *outboundWriter {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &outboundWriter{ws: ws, writeTimeout: writeTimeout}
}

// Send marshals v and writes it as one text frame. Writes after Close are
// silently dropped; the connection is gone and the caller is tearing down.
func (w *outboundWriter) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

// Close writes a close frame with the given code and closes the connection.
// Only the first call has an effect.
func (w *outboundWriter) Close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true

	deadline := time.Now().Add(w.writeTimeout)
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = w.ws.Close()
}

// KeepAlive pings the client until ctx is canceled.
func (w *outboundWriter) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout))
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
