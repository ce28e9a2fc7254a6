package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

// recordingSink collects frames in memory.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *recordingSink) Send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.frames = append(s.frames, data)
	}
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) types(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(f, &head))
		out = append(out, head.Type)
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// stubUpstream records forwarded requests.
type stubUpstream struct {
	mu    sync.Mutex
	ready bool
	err   error
	reqs  []protocol.OutboundRequest
}

func (u *stubUpstream) Send(_ context.Context, req protocol.OutboundRequest) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.reqs = append(u.reqs, req)
	return nil
}

func (u *stubUpstream) Ready() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ready
}

func (u *stubUpstream) requests() []protocol.OutboundRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]protocol.OutboundRequest(nil), u.reqs...)
}

func TestHub_AttachSendsStatus(t *testing.T) {
	for _, ready := range []bool{true, false} {
		t.Run(fmt.Sprintf("ready=%v", ready), func(t *testing.T) {
			hub := NewHub(&stubUpstream{ready: ready}, zerolog.Nop())
			sink := &recordingSink{}

			sess, err := hub.Attach("a", sink)
			require.NoError(t, err)
			assert.Equal(t, "a", sess.ID())
			assert.False(t, sess.RegisteredAt().IsZero())

			require.Equal(t, 1, sink.count())
			ev, err := protocol.Decode(sink.last())
			require.NoError(t, err)
			status, ok := ev.(protocol.EngineStatus)
			require.True(t, ok)
			assert.Equal(t, ready, status.Ready())
			assert.True(t, status.BackgroundCycleActive)
		})
	}
}

// turningUpstream becomes ready right after its first readiness read and
// broadcasts the change, the way the engine dispatch does.
type turningUpstream struct {
	stubUpstream
	hub  *Hub
	once sync.Once
	wg   sync.WaitGroup
}

func (u *turningUpstream) Ready() bool {
	was := u.stubUpstream.Ready()
	u.once.Do(func() {
		u.mu.Lock()
		u.ready = true
		u.mu.Unlock()
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.hub.Broadcast(protocol.StatusSnapshot(true))
		}()
	})
	return was
}

func TestHub_AttachStatusNotOvertakenByLiveStatus(t *testing.T) {
	up := &turningUpstream{}
	hub := NewHub(up, zerolog.Nop())
	up.hub = hub

	sink := &recordingSink{}
	_, err := hub.Attach("a", sink)
	require.NoError(t, err)
	up.wg.Wait()

	require.Equal(t, 2, sink.count(), "joiner must also get the live status")
	ev, err := protocol.Decode(sink.last())
	require.NoError(t, err)
	status, ok := ev.(protocol.EngineStatus)
	require.True(t, ok)
	assert.True(t, status.Ready(), "latest view must match the upstream")
}

func TestHub_AttachDuplicate(t *testing.T) {
	hub := NewHub(&stubUpstream{}, zerolog.Nop())
	_, err := hub.Attach("a", &recordingSink{})
	require.NoError(t, err)

	second := &recordingSink{}
	_, err = hub.Attach("a", second)
	assert.ErrorIs(t, err, model.ErrSessionExists)
	assert.Zero(t, second.count())
	assert.Equal(t, 1, hub.SessionCount())
}

func TestHub_BroadcastAndDetach(t *testing.T) {
	hub := NewHub(&stubUpstream{}, zerolog.Nop())
	a, b := &recordingSink{}, &recordingSink{}
	_, err := hub.Attach("A", a)
	require.NoError(t, err)
	_, err = hub.Attach("B", b)
	require.NoError(t, err)

	hub.Broadcast(protocol.AssistantOutput{Target: model.TargetAmbient, Content: "Sunset in 20 min", Confidence: 0.7})
	assert.Equal(t, []string{"engine_status", "assistant_output"}, a.types(t))
	assert.Equal(t, []string{"engine_status", "assistant_output"}, b.types(t))

	hub.Detach("A")
	hub.Detach("A")
	hub.Broadcast(protocol.StreamChunk{Content: "x", Done: true})
	assert.Equal(t, 2, a.count())
	assert.Equal(t, []string{"engine_status", "assistant_output", "stream_chunk"}, b.types(t))
	assert.Equal(t, []string{"B"}, hub.SessionIDs())
}

func TestHub_DetachSessionIgnoresReplacedSession(t *testing.T) {
	hub := NewHub(&stubUpstream{}, zerolog.Nop())
	old, err := hub.Attach("a", &recordingSink{})
	require.NoError(t, err)
	hub.Detach("a")

	_, err = hub.Attach("a", &recordingSink{})
	require.NoError(t, err)

	hub.detachSession(old)
	assert.Equal(t, 1, hub.SessionCount())
}

func TestHub_Forward(t *testing.T) {
	up := &stubUpstream{}
	hub := NewHub(up, zerolog.Nop())
	sink := &recordingSink{}
	_, err := hub.Attach("a", sink)
	require.NoError(t, err)

	req := protocol.ChatMessage{Content: "Any tapas nearby?"}
	require.NoError(t, hub.Forward(context.Background(), "a", req))
	assert.Equal(t, []protocol.OutboundRequest{req}, up.requests())
	assert.Equal(t, 1, sink.count(), "success sends nothing back")

	err = hub.Forward(context.Background(), "nobody", req)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestHub_ForwardFailureReportedToOriginOnly(t *testing.T) {
	up := &stubUpstream{err: model.ErrNotConnected}
	hub := NewHub(up, zerolog.Nop())
	a, b := &recordingSink{}, &recordingSink{}
	_, _ = hub.Attach("A", a)
	_, _ = hub.Attach("B", b)

	err := hub.Forward(context.Background(), "A", protocol.ChatMessage{Content: "hi"})
	assert.True(t, errors.Is(err, model.ErrNotConnected))

	assert.Equal(t, []string{"engine_status", "error"}, a.types(t))
	assert.Equal(t, []string{"engine_status"}, b.types(t))

	ev, err := protocol.Decode(a.last())
	require.NoError(t, err)
	assert.Equal(t, "forward_failed", ev.(protocol.EngineError).Code)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(&stubUpstream{}, zerolog.Nop())
	a := &recordingSink{}
	_, _ = hub.Attach("A", a)

	hub.Close()
	assert.Zero(t, hub.SessionCount())
	a.mu.Lock()
	assert.True(t, a.closed)
	a.mu.Unlock()
}

func TestClient_SendClosesWhenFull(t *testing.T) {
	c := NewClient(nil, "a")
	for i := 0; i < sendBufferSize; i++ {
		c.Send([]byte("x"))
	}
	assert.False(t, c.IsClosed())

	c.Send([]byte("overflow"))
	assert.True(t, c.IsClosed())

	// Sending to a closed client is a no-op.
	c.Send([]byte("after"))
	c.Close()
}

// Property: a broadcast reaches exactly the sessions attached at that moment.
func TestHub_Property_BroadcastReachesAttached(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("broadcast reaches exactly the attached sessions", prop.ForAll(
		func(n int, detachMask []bool) bool {
			hub := NewHub(&stubUpstream{}, zerolog.Nop())
			sinks := make([]*recordingSink, n)
			for i := range sinks {
				sinks[i] = &recordingSink{}
				if _, err := hub.Attach(fmt.Sprintf("s%d", i), sinks[i]); err != nil {
					return false
				}
			}

			detached := make([]bool, n)
			for i := 0; i < n && i < len(detachMask); i++ {
				if detachMask[i] {
					hub.Detach(fmt.Sprintf("s%d", i))
					detached[i] = true
				}
			}

			hub.Broadcast(protocol.EngineError{Code: "c", Message: "m"})

			for i, s := range sinks {
				want := 2
				if detached[i] {
					want = 1
				}
				if s.count() != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
