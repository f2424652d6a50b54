package relay

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/clinicore/clinicore/pkg/gateway/transcribe/protocol"
)

func TestOutboundWriter_SendMarshalsTextFrame(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	w := newOutboundWriter(conn, 0)

	if err := w.Send(protocol.Connected("S1")); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.texts) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(conn.texts))
	}
	var msg map[string]any
	if err := json.Unmarshal(conn.texts[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "connected" || msg["session_id"] != "S1" {
		t.Fatalf("frame = %v", msg)
	}
}

func TestOutboundWriter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	w := newOutboundWriter(conn, 0)

	w.Close(websocket.CloseNormalClosure, "")
	w.Close(websocket.CloseInternalServerErr, "again")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.closeCodes) != 1 || conn.closeCodes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close codes = %v, want one normal closure", conn.closeCodes)
	}
	if !conn.closed {
		t.Fatal("underlying connection not closed")
	}
}

func TestOutboundWriter_SendAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	w := newOutboundWriter(conn, 0)

	w.Close(websocket.CloseNormalClosure, "")
	if err := w.Send(protocol.Error("late")); err != nil {
		t.Fatalf("Send after close returned error: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.texts) != 0 {
		t.Fatalf("wrote %d frames after close, want 0", len(conn.texts))
	}
}
