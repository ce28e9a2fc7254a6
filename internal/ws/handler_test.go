package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

type proxyServer struct {
	*httptest.Server
	hub *Hub
	up  *stubUpstream
}

func newProxyServer(t *testing.T, up *stubUpstream) *proxyServer {
	t.Helper()
	hub := NewHub(up, zerolog.Nop())
	h := NewHandler(hub, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("client_id")
		if id == "refuse" {
			h.Refuse(w, r, CloseEngineUnavailable, "engine not connected")
			return
		}
		h.HandleConnection(w, r, id)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &proxyServer{Server: srv, hub: hub, up: up}
}

func (p *proxyServer) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.URL, "http") + "/?client_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.InboundEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.Decode(data)
	require.NoError(t, err)
	return ev
}

func TestHandler_AttachBroadcastForward(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{ready: true})

	a := p.dial(t, "A")
	b := p.dial(t, "B")

	for _, c := range []*websocket.Conn{a, b} {
		status, ok := readEvent(t, c).(protocol.EngineStatus)
		require.True(t, ok)
		assert.True(t, status.Ready())
	}
	require.Eventually(t, func() bool { return p.hub.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	p.hub.Broadcast(protocol.AssistantOutput{Target: model.TargetSidebar, Content: "Try the pastel de nata", Confidence: 0.9})
	for _, c := range []*websocket.Conn{a, b} {
		out, ok := readEvent(t, c).(protocol.AssistantOutput)
		require.True(t, ok)
		assert.Equal(t, "Try the pastel de nata", out.Content)
	}

	frame := `{"type":"context_update","ui_state":{"screen":"explore","metadata":{"city":"Porto"}},"timestamp":1}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.Eventually(t, func() bool { return len(p.up.requests()) == 1 }, time.Second, 5*time.Millisecond)

	cu := p.up.requests()[0].(protocol.ContextUpdate)
	assert.Equal(t, protocol.ScreenExplore, cu.Screen)
	assert.Equal(t, "Porto", cu.Metadata["city"])
}

func TestHandler_UnknownScreenFallsBackToHome(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{})
	a := p.dial(t, "A")
	readEvent(t, a)

	frame := `{"type":"context_update","ui_state":{"screen":"settings"},"timestamp":1}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.Eventually(t, func() bool { return len(p.up.requests()) == 1 }, time.Second, 5*time.Millisecond)

	cu := p.up.requests()[0].(protocol.ContextUpdate)
	assert.Equal(t, protocol.ScreenHome, cu.Screen)
}

func TestHandler_BadFramesAreDropped(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{})
	a := p.dial(t, "A")
	readEvent(t, a)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_message","content":"still here?","timestamp":1}`)))

	require.Eventually(t, func() bool { return len(p.up.requests()) == 1 }, time.Second, 5*time.Millisecond)
	msg := p.up.requests()[0].(protocol.ChatMessage)
	assert.Equal(t, "still here?", msg.Content)
}

func TestHandler_ForwardFailureOnlyToSender(t *testing.T) {
	up := &stubUpstream{err: model.ErrNotConnected}
	p := newProxyServer(t, up)
	a := p.dial(t, "A")
	b := p.dial(t, "B")
	readEvent(t, a)
	readEvent(t, b)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_message","content":"hi","timestamp":1}`)))

	e, ok := readEvent(t, a).(protocol.EngineError)
	require.True(t, ok)
	assert.Equal(t, "forward_failed", e.Code)

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "B must not see A's error")
}

func TestHandler_DuplicateIDRejected(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{})
	a := p.dial(t, "A")
	readEvent(t, a)

	dup := p.dial(t, "A")
	dup.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := dup.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseSessionExists), "got %v", err)
	assert.Equal(t, 1, p.hub.SessionCount())
}

func TestHandler_Refuse(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{})
	c := p.dial(t, "refuse")

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseEngineUnavailable), "got %v", err)
}

func TestHandler_DisconnectDetaches(t *testing.T) {
	p := newProxyServer(t, &stubUpstream{})
	a := p.dial(t, "A")
	readEvent(t, a)
	require.Equal(t, 1, p.hub.SessionCount())

	a.Close()
	require.Eventually(t, func() bool { return p.hub.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAllowOrigins(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://app.example.com/"}, "https://app.example.com", true},
		{"unlisted", []string{"https://app.example.com"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example.com"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, AllowOrigins(tt.origins)(r))
		})
	}
}

func TestHandler_RejectsUnlistedOrigin(t *testing.T) {
	SetCheckOrigin(AllowOrigins([]string{"https://app.example.com"}))
	t.Cleanup(func() { SetCheckOrigin(AllowOrigins(nil)) })

	p := newProxyServer(t, &stubUpstream{ready: true})
	url := "ws" + strings.TrimPrefix(p.URL, "http") + "/?client_id=A"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	defer conn.Close()
	_, ok := readEvent(t, conn).(protocol.EngineStatus)
	assert.True(t, ok)
}
