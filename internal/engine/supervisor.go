package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
	"github.com/travelers-ai/backend/internal/state"
)

// LinkState is the supervisor's view of the upstream link.
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateStopped
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// errShutdown is returned by Connect when Disconnect won the race.
var errShutdown = errors.New("engine: disconnect in progress")

// Link is one upstream connection. upstream.Conn implements it.
type Link interface {
	ID() uint64
	Send(ctx context.Context, req protocol.OutboundRequest) error
	Next() (protocol.InboundEvent, error)
	Close() error
}

// DialFunc opens a new Link. attempt is 0 for an explicit connect and the
// 1-based retry number otherwise.
type DialFunc func(ctx context.Context, attempt int) (Link, error)

// EventListener receives every inbound event after the state store has
// applied it.
type EventListener func(protocol.InboundEvent)

// task is a cancellable background goroutine. Identity matters: a task only
// clears the supervisor slot it still owns.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTask() (*task, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{cancel: cancel, done: make(chan struct{})}, ctx
}

// Supervisor owns the single upstream link: it connects on request, keeps a
// read task pumping events into the store and listeners, and runs at most one
// reconnect task with capped exponential backoff after an unplanned loss.
//
// Link transitions are published to the store while mu is held, so store
// observers must not call back into Connect or Disconnect.
type Supervisor struct {
	dial    DialFunc
	backoff Backoff
	store   *state.Store
	logger  zerolog.Logger

	mu          sync.Mutex
	state       LinkState
	link        Link
	attempts    int
	shutdown    bool
	reader      *task
	reconnector *task
	tasks       sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[uint64]EventListener
	nextID      uint64
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(dial DialFunc, backoff Backoff, store *state.Store, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		dial:      dial,
		backoff:   backoff.withDefaults(),
		store:     store,
		logger:    logger.With().Str("component", "supervisor").Logger(),
		state:     StateDisconnected,
		listeners: make(map[uint64]EventListener),
	}
}

// State returns the current link state.
func (s *Supervisor) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of reconnect attempts since the last
// successful connect.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LinkID returns the id of the live link, or 0 when there is none.
func (s *Supervisor) LinkID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return 0
	}
	return s.link.ID()
}

// Listen registers an event listener and returns a function removing it.
func (s *Supervisor) Listen(fn EventListener) (cancel func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Connect makes a single connection attempt. It returns nil if a link is
// already up. A failure leaves the supervisor Disconnected with no retry
// scheduled. Connect also resumes a supervisor that gave up or was stopped.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = false
	rc := s.reconnector
	s.mu.Unlock()

	// An explicit connect supersedes a pending retry loop.
	if rc != nil {
		rc.cancel()
		<-rc.done
	}

	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.logger.Info().Msg("connecting to engine")
	link, err := s.dial(ctx, 0)
	if err != nil {
		s.mu.Lock()
		// Only the attempt still in charge reports the failure: after
		// Disconnect the store stays torn down, and a newer Connect may
		// already own a live link.
		if s.state == StateConnecting && !s.shutdown {
			s.state = StateDisconnected
			s.store.SetLink(false, false)
		}
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("connect failed")
		return err
	}

	if !s.attach(link, nil) {
		link.Close()
		s.mu.Lock()
		connected := s.state == StateConnected
		s.mu.Unlock()
		if connected {
			return nil
		}
		return fmt.Errorf("%w: %w", model.ErrNotConnected, errShutdown)
	}
	s.logger.Info().Uint64("link_id", link.ID()).Msg("connected to engine")
	return nil
}

// attach installs link as the live link and starts its read task. from is the
// reconnect task doing the attach, if any. It reports false when the link
// was not wanted.
func (s *Supervisor) attach(link Link, from *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown || s.state == StateConnected {
		return false
	}
	if from != nil && s.reconnector == from {
		s.reconnector = nil
	}

	s.link = link
	s.state = StateConnected
	s.attempts = 0
	s.store.SetLink(true, false)

	t, ctx := newTask()
	s.reader = t
	s.tasks.Add(1)
	go s.readLoop(ctx, link, t)
	return true
}

func (s *Supervisor) readLoop(ctx context.Context, link Link, t *task) {
	defer s.tasks.Done()
	defer close(t.done)

	for {
		ev, err := link.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.handleLoss(link, t, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ev)
	}
}

func (s *Supervisor) dispatch(ev protocol.InboundEvent) {
	s.logger.Debug().Str("type", string(ev.Type())).Msg("event")
	s.store.Apply(ev)

	s.listenersMu.RLock()
	targets := make([]EventListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		targets = append(targets, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}

func (s *Supervisor) handleLoss(link Link, t *task, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == t {
		s.reader = nil
	}
	if s.link != link || s.shutdown {
		return
	}

	s.link = nil
	link.Close()
	s.state = StateRecovering
	s.store.SetLink(false, false)
	s.logger.Warn().Err(cause).Uint64("link_id", link.ID()).Msg("engine connection lost")

	if s.reconnector != nil {
		return
	}
	rt, ctx := newTask()
	s.reconnector = rt
	s.tasks.Add(1)
	go s.reconnectLoop(ctx, rt)
}

func (s *Supervisor) reconnectLoop(ctx context.Context, t *task) {
	defer s.tasks.Done()
	defer close(t.done)
	defer func() {
		s.mu.Lock()
		if s.reconnector == t {
			s.reconnector = nil
		}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.shutdown || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if s.attempts >= s.backoff.MaxAttempts {
			s.state = StateStopped
			s.store.SetUnreachable(true)
			attempts := s.attempts
			s.mu.Unlock()
			s.logger.Error().Int("attempts", attempts).Msg("max reconnection attempts reached, giving up")
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		delay := s.backoff.Delay(attempt)
		s.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", s.backoff.MaxAttempts).
			Dur("delay", delay).
			Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.shutdown || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		link, err := s.dial(ctx, attempt)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			s.mu.Lock()
			if s.state == StateConnecting {
				s.state = StateRecovering
			}
			s.mu.Unlock()
			continue
		}

		if !s.attach(link, t) {
			link.Close()
			return
		}
		s.logger.Info().Uint64("link_id", link.ID()).Int("attempt", attempt).Msg("reconnected to engine")
		return
	}
}

// Send writes req on the live link. It fails with model.ErrNotConnected when
// there is none. A write failure is returned to the caller only; recovery is
// driven by the read task.
func (s *Supervisor) Send(ctx context.Context, req protocol.OutboundRequest) error {
	s.mu.Lock()
	link := s.link
	connected := s.state == StateConnected
	s.mu.Unlock()

	if link == nil || !connected {
		return model.ErrNotConnected
	}
	return link.Send(ctx, req)
}

// Disconnect stops the supervisor: no further reconnects, the link is closed,
// every background task has exited and the ambient timer is stopped when it
// returns. Calling it again is a no-op.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.shutdown = true
	reader, rc, link := s.reader, s.reconnector, s.link
	s.link = nil
	prev := s.state
	s.state = StateStopped
	s.mu.Unlock()

	if reader != nil {
		reader.cancel()
	}
	if rc != nil {
		rc.cancel()
	}
	if link != nil {
		link.Close()
	}
	s.tasks.Wait()
	s.store.Teardown()

	if prev != StateStopped {
		s.logger.Info().Str("from", prev.String()).Msg("disconnected from engine")
	}
}
