// Package state aggregates engine events into bounded, observable state.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/buffer"
	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

const (
	// MaxSidebarInsights caps the sidebar list; the oldest insight is evicted first.
	MaxSidebarInsights = 5

	// DefaultAmbientTTL is how long an ambient insight stays before auto-clear.
	DefaultAmbientTTL = 5 * time.Second
)

// Observer receives a full snapshot after every mutation. Observers run
// synchronously on the mutating goroutine and must not mutate the Store.
type Observer func(model.Snapshot)

// Option configures a Store.
type Option func(*Store)

// WithAmbientTTL overrides the ambient auto-clear delay.
func WithAmbientTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ambientTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "state").Logger()
	}
}

// WithClock overrides the clock used for UpdatedAt and error records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds the aggregated engine state. All mutations are serialized and
// every mutation notifies observers with a snapshot. Reads never wait on
// observers.
type Store struct {
	mu          sync.RWMutex
	connected   bool
	ready       bool
	unreachable bool
	sidebar     *buffer.Ring[model.Insight]
	ambient     *model.Insight
	chat        string
	streaming   bool
	lastError   *model.ErrorRecord
	updatedAt   time.Time
	changed     chan struct{}

	ambientTTL   time.Duration
	ambientTimer *time.Timer
	ambientGen   uint64
	timers       sync.WaitGroup

	// notifyMu keeps observer notifications in mutation order.
	notifyMu  sync.Mutex
	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates an empty, disconnected Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sidebar:    buffer.NewRing[model.Insight](MaxSidebarInsights),
		changed:    make(chan struct{}),
		ambientTTL: DefaultAmbientTTL,
		observers:  make(map[uint64]Observer),
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers fn and returns a function that unregisters it.
func (s *Store) Observe(fn Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Connected:       s.connected,
		Ready:           s.ready,
		Unreachable:     s.unreachable,
		SidebarInsights: s.sidebar.Items(),
		ChatBuffer:      s.chat,
		Streaming:       s.streaming,
		UpdatedAt:       s.updatedAt,
	}
	if s.ambient != nil {
		a := *s.ambient
		snap.AmbientInsight = &a
	}
	if s.lastError != nil {
		e := *s.lastError
		snap.LastError = &e
	}
	return snap
}

// update runs fn under the write lock. When fn reports a change, waiters are
// woken and observers are notified with the resulting snapshot.
func (s *Store) update(fn func() bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.updatedAt = s.now()
	snap := s.snapshotLocked()
	changed := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(changed)

	s.obsMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range observers {
		fn(snap.Clone())
	}
}

// Apply folds one inbound engine event into the state.
func (s *Store) Apply(ev protocol.InboundEvent) {
	switch e := ev.(type) {
	case protocol.EngineStatus:
		s.update(func() bool {
			s.ready = e.Ready()
			return true
		})
		s.logger.Info().
			Bool("fast", e.FastModelReady).
			Bool("quality", e.QualityModelReady).
			Bool("bg_cycle", e.BackgroundCycleActive).
			Msg("engine status")

	case protocol.AssistantOutput:
		s.applyOutput(e)

	case protocol.StreamChunk:
		s.update(func() bool {
			s.chat += e.Content
			s.streaming = !e.Done
			return true
		})

	case protocol.EngineError:
		s.update(func() bool {
			s.lastError = &model.ErrorRecord{Code: e.Code, Message: e.Message, At: s.now()}
			s.streaming = false
			return true
		})
		s.logger.Error().Str("code", e.Code).Str("message", e.Message).Msg("engine reported error")

	default:
		s.logger.Debug().Msgf("ignoring event %T", ev)
	}
}

func (s *Store) applyOutput(out protocol.AssistantOutput) {
	insight := out.Insight()

	switch insight.Target {
	case model.TargetSidebar:
		s.update(func() bool {
			s.sidebar.Push(insight)
			return true
		})
		s.logger.Debug().Str("content", protocol.Truncate(insight.Content, 50)).Msg("sidebar insight")

	case model.TargetAmbient:
		s.update(func() bool {
			s.ambient = &insight
			s.scheduleAmbientClearLocked()
			return true
		})
		s.logger.Debug().Str("content", protocol.Truncate(insight.Content, 50)).Msg("ambient insight")

	case model.TargetChat:
		s.update(func() bool {
			s.chat += insight.Content
			return true
		})
	}
}

// scheduleAmbientClearLocked replaces any pending auto-clear with a fresh one.
func (s *Store) scheduleAmbientClearLocked() {
	s.cancelAmbientTimerLocked()

	gen := s.ambientGen
	s.timers.Add(1)
	s.ambientTimer = time.AfterFunc(s.ambientTTL, func() {
		defer s.timers.Done()
		s.update(func() bool {
			if s.ambientGen != gen {
				return false
			}
			s.ambient = nil
			s.ambientTimer = nil
			return true
		})
	})
}

// cancelAmbientTimerLocked invalidates the pending timer. A callback that
// already fired sees a stale generation and does nothing.
func (s *Store) cancelAmbientTimerLocked() {
	s.ambientGen++
	if s.ambientTimer != nil {
		if s.ambientTimer.Stop() {
			s.timers.Done()
		}
		s.ambientTimer = nil
	}
}

// PendingAmbientClear reports whether an auto-clear is scheduled.
func (s *Store) PendingAmbientClear() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ambientTimer != nil
}

// SetLink records the connection state. Going down always drops readiness.
func (s *Store) SetLink(connected, ready bool) {
	s.update(func() bool {
		if s.connected == connected && s.ready == (ready && connected) {
			return false
		}
		s.connected = connected
		s.ready = ready && connected
		if connected {
			s.unreachable = false
		}
		return true
	})
}

// SetUnreachable marks the engine as given up on (or clears the mark).
func (s *Store) SetUnreachable(unreachable bool) {
	s.update(func() bool {
		if s.unreachable == unreachable {
			return false
		}
		s.unreachable = unreachable
		return true
	})
}

// BeginChat resets the chat buffer for a new turn and marks it streaming.
func (s *Store) BeginChat() {
	s.update(func() bool {
		s.chat = ""
		s.streaming = true
		return true
	})
}

// AbortChat ends streaming without touching the buffer.
func (s *Store) AbortChat() {
	s.update(func() bool {
		if !s.streaming {
			return false
		}
		s.streaming = false
		return true
	})
}

// ClearSidebar removes all sidebar insights.
func (s *Store) ClearSidebar() {
	s.update(func() bool {
		s.sidebar.Clear()
		return true
	})
}

// ClearAmbient removes the ambient insight and cancels its auto-clear.
func (s *Store) ClearAmbient() {
	s.update(func() bool {
		s.cancelAmbientTimerLocked()
		if s.ambient == nil {
			return false
		}
		s.ambient = nil
		return true
	})
}

// Teardown marks the link down, drops the ambient insight, and waits for any
// auto-clear callback to finish. Nothing touches the state on behalf of the
// old connection after it returns.
func (s *Store) Teardown() {
	s.update(func() bool {
		s.cancelAmbientTimerLocked()
		s.ambient = nil
		s.connected = false
		s.ready = false
		return true
	})
	s.timers.Wait()
}

// WaitFor blocks until pred holds for the current state or ctx is done. It
// returns the last snapshot it evaluated and whether pred held.
func (s *Store) WaitFor(ctx context.Context, pred func(model.Snapshot) bool) (model.Snapshot, bool) {
	for {
		s.mu.RLock()
		snap := s.snapshotLocked()
		changed := s.changed
		s.mu.RUnlock()

		if pred(snap) {
			return snap, true
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Snapshot(), false
		}
	}
}
