package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxellight.ai/internal/protocol"
)

func TestStreamPushesFrames(t *testing.T) {
	var calls atomic.Int32
	src := func() protocol.StatusMsg {
		n := calls.Add(1)
		return protocol.StatusMsg{Status: "Finished.", Completed: int(n)}
	}
	srv := NewServer(src, 20*time.Millisecond, nil)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	last := 0
	for i := 0; i < 3; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var msg protocol.StatusMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != protocol.TypeStatus || msg.ProtocolVersion != protocol.Version || msg.Status != "Finished." {
			t.Fatalf("frame = %+v", msg)
		}
		if msg.Completed <= last {
			t.Fatalf("frames not fresh: %d after %d", msg.Completed, last)
		}
		last = msg.Completed
	}
	if srv.Sessions() != 1 {
		t.Fatalf("sessions = %d", srv.Sessions())
	}
}

func TestStreamPokeSendsImmediately(t *testing.T) {
	srv := NewServer(func() protocol.StatusMsg { return protocol.StatusMsg{} }, time.Hour, nil)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"STATUS"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("poked frame: %v", err)
	}
}

func TestRejectsRemoteClients(t *testing.T) {
	srv := NewServer(func() protocol.StatusMsg { return protocol.StatusMsg{} }, time.Second, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/status/ws", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	srv.WSHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:9000":   true,
		"::1":          true,
		"10.0.0.1:80":  false,
		"example:80":   false,
		"":             false,
	}
	for addr, want := range cases {
		if got := IsLoopbackRemote(addr); got != want {
			t.Fatalf("%q = %v want %v", addr, got, want)
		}
	}
}
