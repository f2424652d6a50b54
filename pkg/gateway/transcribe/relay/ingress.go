package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicore/clinicore/pkg/gateway/transcribe/protocol"
	"github.com/clinicore/clinicore/pkg/store"
)

var errIdleTimeout = errors.New("no audio received before idle timeout")

// ingressLoop reads client frames: binary frames are audio for the queue,
// text frames are control messages driving session-state transitions. The
// loop owns closing the queue input; it always closes before returning.
type ingressLoop struct {
	sessionID   string
	conn        wsConn
	queue       *audioQueue
	limiter     *inboundAudioLimiter
	sessions    store.SessionStore
	logger      *slog.Logger
	idleTimeout time.Duration
	forwarding  bool
}

func (l *ingressLoop) Run(ctx context.Context) error {
	defer l.queue.CloseInput()

	for {
		if l.idleTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}

		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			return l.classifyReadError(ctx, err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !l.forwarding {
				continue
			}
			if !l.limiter.Allow(len(data)) {
				l.logger.Warn("audio frame dropped by inbound limiter",
					"session_id", l.sessionID, "bytes", len(data))
				continue
			}
			if err := l.queue.Push(ctx, data); err != nil {
				return nil
			}

		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				l.logger.Warn("ignoring malformed control message",
					"session_id", l.sessionID, "error", err)
				continue
			}
			if done := l.applyControl(ctx, msg); done {
				return nil
			}
		}
	}
}

// applyControl handles a decoded control message and reports whether the loop
// should end.
func (l *ingressLoop) applyControl(ctx context.Context, msg protocol.ClientControl) bool {
	switch msg.Type {
	case protocol.ControlStop:
		l.queue.CloseInput()
		l.setStatus(ctx, store.StatusEnded)
		return true
	case protocol.ControlPause:
		l.forwarding = false
		l.setStatus(ctx, store.StatusPaused)
	case protocol.ControlResume:
		l.forwarding = true
		l.setStatus(ctx, store.StatusActive)
	}
	return false
}

func (l *ingressLoop) setStatus(ctx context.Context, status store.SessionStatus) {
	if err := l.sessions.UpdateSessionStatus(ctx, l.sessionID, status); err != nil {
		l.logger.Error("session status update failed",
			"session_id", l.sessionID, "status", status, "error", err)
	}
}

// classifyReadError separates the idle timeout from every other read failure.
// Client disconnects and coordinator-forced unblocks both end the loop
// cleanly: the relay's teardown owes the client no error message for them.
func (l *ingressLoop) classifyReadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errIdleTimeout
	}
	return nil
}
