package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clinicore/clinicore/pkg/store"
)

type scriptedFrame struct {
	messageType int
	data        []byte
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeConn scripts the client side of the websocket. Reads come from a
// channel; closing the channel simulates a client disconnect. Read deadlines
// behave like the real ones, including interrupting a read already in flight,
// so both the idle timeout and the coordinator's forced unblock work.
type fakeConn struct {
	reads chan scriptedFrame

	mu              sync.Mutex
	readDeadline    time.Time
	deadlineChanged chan struct{}
	texts           [][]byte
	closeCodes      []int
	closed          bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:           make(chan scriptedFrame, 16),
		deadlineChanged: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		changed := c.deadlineChanged
		c.mu.Unlock()

		var timer <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, timeoutErr{}
			}
			timer = time.After(d)
		}

		select {
		case frame, ok := <-c.reads:
			if !ok {
				return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
			}
			return frame.messageType, frame.data, nil
		case <-timer:
			return 0, nil, timeoutErr{}
		case <-changed:
			// Deadline moved under us; re-evaluate.
		}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.TextMessage {
		c.texts = append(c.texts, data)
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	code := websocket.CloseNoStatusReceived
	if len(data) >= 2 {
		code = int(binary.BigEndian.Uint16(data[:2]))
	}
	c.closeCodes = append(c.closeCodes, code)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	close(c.deadlineChanged)
	c.deadlineChanged = make(chan struct{})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentMessages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.texts))
	for _, raw := range c.texts {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal sent message %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	updates  []store.SessionStatus
}

func newFakeSessionStore(sessions ...store.Session) *fakeSessionStore {
	s := &fakeSessionStore{sessions: make(map[string]store.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeSessionStore) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) UpdateSessionStatus(_ context.Context, id string, status store.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.Status = status
	s.sessions[id] = sess
	s.updates = append(s.updates, status)
	return nil
}

func (s *fakeSessionStore) statusUpdates() []store.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.SessionStatus(nil), s.updates...)
}

func activeSession(id string) store.Session {
	return store.Session{ID: id, ClinicianID: "dr-1", Status: store.StatusActive}
}

func newTestRelay(conn wsConn, stream *fakeStream, sessions *fakeSessionStore,
	ts *fakeTranscriptStore, cfg Config) *Relay {
	return New("relay-1", sessions.sessions["S1"], conn, &fakeStreamer{stream: stream},
		sessions, NewAccumulator(ts), discardLogger(), cfg)
}

func TestRelay_StreamsAndStops(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	chunk := make([]byte, 1365)
	for i := 0; i < 3; i++ {
		conn.reads <- scriptedFrame{websocket.BinaryMessage, chunk}
	}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"stop"}`)}

	stream := newFakeStream([]*speechpb.StreamingRecognizeResponse{
		transcriptResponse("hel", false, 0.41),
		transcriptResponse("hello", true, 0.95),
	}, nil)

	sessions := newFakeSessionStore(activeSession("S1"))
	ts := newFakeTranscriptStore()
	r := newTestRelay(conn, stream, sessions, ts, Config{})

	r.Run(context.Background())

	if got := r.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}

	msgs := conn.sentMessages(t)
	if len(msgs) != 2 {
		t.Fatalf("client received %d messages, want 2: %v", len(msgs), msgs)
	}
	if msgs[0]["type"] != "transcript" || msgs[0]["transcript"] != "hel" || msgs[0]["is_final"] != false {
		t.Fatalf("first message = %v", msgs[0])
	}
	if msgs[1]["transcript"] != "hello" || msgs[1]["is_final"] != true {
		t.Fatalf("second message = %v", msgs[1])
	}

	if got := ts.content["S1"]; got != "hello" {
		t.Fatalf("accumulated transcript = %q, want %q", got, "hello")
	}

	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close codes = %v, want one normal closure", conn.closeCodes)
	}

	// Stop control moved the session to ENDED.
	updates := sessions.statusUpdates()
	if len(updates) != 1 || updates[0] != store.StatusEnded {
		t.Fatalf("status updates = %v, want [ENDED]", updates)
	}

	// Exactly one config request, then the three audio chunks in order.
	sent := stream.sentRequests()
	if len(sent) != 4 {
		t.Fatalf("backend received %d requests, want 4", len(sent))
	}
	for i := 1; i < 4; i++ {
		if len(sent[i].GetAudio()) != 1365 {
			t.Fatalf("audio request #%d has %d bytes, want 1365", i, len(sent[i].GetAudio()))
		}
	}
}

func TestRelay_StopWithZeroAudio(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"stop"}`)}

	stream := newFakeStream(nil, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	ts := newFakeTranscriptStore()
	r := newTestRelay(conn, stream, sessions, ts, Config{})

	r.Run(context.Background())

	if msgs := conn.sentMessages(t); len(msgs) != 0 {
		t.Fatalf("client received %d messages, want 0: %v", len(msgs), msgs)
	}
	if got := ts.content["S1"]; got != "" {
		t.Fatalf("accumulator changed for empty stream: %q", got)
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close codes = %v", conn.closeCodes)
	}
}

func TestRelay_ClientDisconnectIsSilent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	close(conn.reads)

	stream := newFakeStream(nil, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	r := newTestRelay(conn, stream, sessions, newFakeTranscriptStore(), Config{})

	r.Run(context.Background())

	if msgs := conn.sentMessages(t); len(msgs) != 0 {
		t.Fatalf("client received %d messages on silent shutdown: %v", len(msgs), msgs)
	}
	if got := r.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestRelay_UpstreamFailureSendsOneError(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("audio")}
	// No stop: the client keeps the connection open while the backend dies.

	stream := newFakeStream(nil, status.Error(codes.ResourceExhausted, "quota"))
	sessions := newFakeSessionStore(activeSession("S1"))
	r := newTestRelay(conn, stream, sessions, newFakeTranscriptStore(), Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate after upstream failure")
	}

	msgs := conn.sentMessages(t)
	var errCount int
	for _, m := range msgs {
		switch m["type"] {
		case "error":
			errCount++
		case "transcript":
			t.Fatalf("transcript delivered after upstream failure: %v", m)
		}
	}
	if errCount != 1 {
		t.Fatalf("client received %d error messages, want exactly 1: %v", errCount, msgs)
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseInternalServerErr {
		t.Fatalf("close codes = %v, want one 1011", conn.closeCodes)
	}
}

// Losing finalized text to a dead transcript store is a terminal failure: the
// client must see an error and an abnormal close, not a clean stop.
func TestRelay_TranscriptStoreFailureSendsError(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("audio")}
	// No stop: the client keeps streaming while persistence dies.

	stream := newFakeStream([]*speechpb.StreamingRecognizeResponse{
		transcriptResponse("hello", true, 0.95),
	}, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	ts := newFakeTranscriptStore()
	ts.fail = errors.New("db down")
	r := newTestRelay(conn, stream, sessions, ts, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate after store failure")
	}

	if got := r.State(); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}

	msgs := conn.sentMessages(t)
	var errCount int
	for _, m := range msgs {
		if m["type"] == "error" {
			errCount++
			if m["message"] != "transcript could not be saved" {
				t.Fatalf("error message = %q", m["message"])
			}
		}
	}
	if errCount != 1 {
		t.Fatalf("client received %d error messages, want exactly 1: %v", errCount, msgs)
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseInternalServerErr {
		t.Fatalf("close codes = %v, want one 1011", conn.closeCodes)
	}
}

func TestRelay_PauseDropsAudioUntilResume(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("kept-1")}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"pause"}`)}
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("dropped")}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"resume"}`)}
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("kept-2")}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"stop"}`)}

	stream := newFakeStream(nil, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	r := newTestRelay(conn, stream, sessions, newFakeTranscriptStore(), Config{})

	r.Run(context.Background())

	var audio []string
	for _, req := range stream.sentRequests() {
		if len(req.GetAudio()) > 0 {
			audio = append(audio, string(req.GetAudio()))
		}
	}
	if len(audio) != 2 || audio[0] != "kept-1" || audio[1] != "kept-2" {
		t.Fatalf("forwarded audio = %v, want [kept-1 kept-2]", audio)
	}

	updates := sessions.statusUpdates()
	want := []store.SessionStatus{store.StatusPaused, store.StatusActive, store.StatusEnded}
	if len(updates) != len(want) {
		t.Fatalf("status updates = %v, want %v", updates, want)
	}
	for i := range want {
		if updates[i] != want[i] {
			t.Fatalf("status update #%d = %v, want %v", i, updates[i], want[i])
		}
	}
}

func TestRelay_MalformedControlIsIgnored(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{not json`)}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"rewind"}`)}
	conn.reads <- scriptedFrame{websocket.BinaryMessage, []byte("audio")}
	conn.reads <- scriptedFrame{websocket.TextMessage, []byte(`{"type":"stop"}`)}

	stream := newFakeStream(nil, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	r := newTestRelay(conn, stream, sessions, newFakeTranscriptStore(), Config{})

	r.Run(context.Background())

	var audio int
	for _, req := range stream.sentRequests() {
		if len(req.GetAudio()) > 0 {
			audio++
		}
	}
	if audio != 1 {
		t.Fatalf("forwarded %d audio frames, want 1", audio)
	}
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close codes = %v", conn.closeCodes)
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	// No frames at all.

	stream := newFakeStream(nil, nil)
	sessions := newFakeSessionStore(activeSession("S1"))
	r := newTestRelay(conn, stream, sessions, newFakeTranscriptStore(), Config{
		IdleTimeout: 30 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not time out")
	}

	msgs := conn.sentMessages(t)
	if len(msgs) != 1 || msgs[0]["type"] != "error" {
		t.Fatalf("client messages = %v, want one error", msgs)
	}
}
