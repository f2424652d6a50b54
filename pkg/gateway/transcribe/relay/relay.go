package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinicore/clinicore/pkg/gateway/transcribe/protocol"
	"github.com/clinicore/clinicore/pkg/speech"
	"github.com/clinicore/clinicore/pkg/store"
)

// State tracks one relay instance through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateStopping
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateStreaming:
		return "STREAMING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	QueueCapacity       int
	IdleTimeout         time.Duration
	MaxDuration         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int
	Settings            RecognitionSettings
}

// Relay bridges one authenticated client connection to one recognition
// stream. It supervises the ingress loop and the recognition driver, closes
// the queue input when the first of the two ends, and guarantees at most one
// error message and exactly one connection close per instance.
type Relay struct {
	id      string
	session store.Session

	conn     wsConn
	writer   *outboundWriter
	queue    *audioQueue
	streamer speech.Streamer
	sessions store.SessionStore
	acc      *Accumulator
	logger   *slog.Logger
	cfg      Config

	state atomic.Int32
}

func New(id string, session store.Session, conn wsConn, streamer speech.Streamer,
	sessions store.SessionStore, acc *Accumulator, logger *slog.Logger, cfg Config) *Relay {

	r := &Relay{
		id:       id,
		session:  session,
		conn:     conn,
		writer:   newOutboundWriter(conn, cfg.WriteTimeout),
		queue:    newAudioQueue(cfg.QueueCapacity),
		streamer: streamer,
		sessions: sessions,
		acc:      acc,
		logger:   logger.With("relay_id", id, "session_id", session.ID),
		cfg:      cfg,
	}
	r.state.Store(int32(StateAuthenticated))
	return r
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// SendConnected emits the post-authentication acknowledgement.
func (r *Relay) SendConnected() error {
	return r.writer.Send(protocol.Connected(r.session.ID))
}

// Run streams until stop, disconnect, or failure, then tears down. It always
// closes the connection exactly once before returning.
func (r *Relay) Run(ctx context.Context) {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	defer r.acc.Forget(r.session.ID)

	r.setState(StateStreaming)
	go r.writer.KeepAlive(runCtx, r.cfg.PingInterval)

	ingress := &ingressLoop{
		sessionID:   r.session.ID,
		conn:        r.conn,
		queue:       r.queue,
		limiter:     newInboundAudioLimiter(nil, r.cfg.MaxAudioFPS, r.cfg.MaxAudioBPS, r.cfg.InboundBurstSeconds),
		sessions:    r.sessions,
		logger:      r.logger,
		idleTimeout: r.cfg.IdleTimeout,
		forwarding:  r.session.Status != store.StatusPaused,
	}
	drv := &driver{
		streamer: r.streamer,
		requests: newRequestStream(r.cfg.Settings, r.queue),
		handler: &dispatcher{
			sessionID: r.session.ID,
			out:       r.writer,
			acc:       r.acc,
			logger:    r.logger,
		},
	}

	ingressErrCh := make(chan error, 1)
	driverErrCh := make(chan error, 1)
	go func() { ingressErrCh <- ingress.Run(runCtx) }()
	go func() { driverErrCh <- drv.Run(runCtx) }()

	var ingressErr, driverErr error
	select {
	case driverErr = <-driverErrCh:
		// The recognition side died first. Stop feeding it and kick the
		// ingress loop out of its blocking read.
		r.queue.CloseInput()
		cancel()
		_ = r.conn.SetReadDeadline(time.Now())
		ingressErr = <-ingressErrCh
	case ingressErr = <-ingressErrCh:
		// Queue input is closed; let the driver flush the backend's final
		// responses before teardown.
		driverErr = <-driverErrCh
	}

	r.teardown(ingressErr, driverErr)
}

func (r *Relay) teardown(ingressErr, driverErr error) {
	var upstream *UpstreamError
	var persist *persistError
	switch {
	case errors.As(driverErr, &upstream):
		r.setState(StateFailed)
		r.logger.Error("relay failed", "error", driverErr)
		// Best effort: the connection may already be gone.
		_ = r.writer.Send(protocol.Error(upstream.Message))
		r.writer.Close(websocket.CloseInternalServerErr, "")

	case errors.As(driverErr, &persist):
		r.setState(StateFailed)
		r.logger.Error("relay failed", "error", driverErr)
		_ = r.writer.Send(protocol.Error("transcript could not be saved"))
		r.writer.Close(websocket.CloseInternalServerErr, "")

	case errors.Is(ingressErr, errIdleTimeout):
		r.setState(StateFailed)
		r.logger.Warn("relay idle timeout")
		_ = r.writer.Send(protocol.Error("stream closed: no audio received"))
		r.writer.Close(websocket.CloseNormalClosure, "idle timeout")

	default:
		r.setState(StateStopping)
		r.writer.Close(websocket.CloseNormalClosure, "")
	}

	r.setState(StateClosed)
	r.logger.Info("relay closed")
}
