package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// PollInterval is the period of full system refreshes.
	PollInterval time.Duration
	// Stream enables the real-time event stream.
	Stream bool
}

// Monitor keeps a state store current: it polls every system periodically,
// applies stream events as they arrive and keeps the stream connected.
type Monitor struct {
	sess  *Session
	store *state.Store
	opts  MonitorOptions
	log   *slog.Logger

	mu      sync.RWMutex
	systems map[int64]*system.System

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	wakeCh  chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(sess *Session, store *state.Store, opts MonitorOptions, log *slog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &Monitor{
		sess:    sess,
		store:   store,
		opts:    opts,
		log:     logging.OrDiscard(log),
		systems: make(map[int64]*system.System),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start discovers the systems, publishes their first snapshot and begins
// polling and streaming in the background.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Load() {
		return fmt.Errorf("session: monitor already running")
	}

	systems, err := m.sess.GetSystems(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.systems = systems
	m.mu.Unlock()
	for _, sys := range systems {
		m.store.UpdateSystem(sys)
	}
	m.log.Info("systems discovered", "count", len(systems))

	st := m.sess.Stream()
	st.OnConnect(func() { m.store.SetConnected(true) })
	st.OnDisconnect(func() { m.store.SetConnected(false) })
	st.OnEvent(m.handleEvent)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running.Store(true)

	m.wg.Add(1)
	go m.pollLoop(runCtx)
	if m.opts.Stream {
		m.wg.Add(1)
		go m.connectLoop(runCtx)
	}
	return nil
}

// Stop ends polling and disconnects the stream.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.running.Load() {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.running.Store(false)
	return m.sess.Close(ctx)
}

// Systems returns the discovered systems ordered by id.
func (m *Monitor) Systems() []*system.System {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*system.System, 0, len(m.systems))
	for _, sys := range m.systems {
		out = append(out, sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// System returns one system by id.
func (m *Monitor) System(id int64) (*system.System, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sys, ok := m.systems[id]
	return sys, ok
}

// Publish stores the current view of sys, typically after a command.
func (m *Monitor) Publish(sys *system.System) {
	m.store.UpdateSystem(sys)
}

// Poke requests an immediate poll.
func (m *Monitor) Poke() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// handleEvent runs on the stream's read loop.
func (m *Monitor) handleEvent(ev event.Event) {
	m.log.Debug("stream event", "system_id", ev.SystemID, "type", ev.Type, "code", ev.Code)
	m.store.RecordEvent(ev)

	sys, ok := m.System(ev.SystemID)
	if !ok {
		return
	}
	sys.ApplyEvent(ev)
	m.store.UpdateSystem(sys)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wakeCh:
		}
		m.poll(ctx)
	}
}

func (m *Monitor) poll(ctx context.Context) {
	for _, sys := range m.Systems() {
		if err := sys.Update(ctx, system.FullUpdate); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("system update failed", "system_id", sys.ID(), "error", err)
			continue
		}
		m.store.UpdateSystem(sys)
	}
}

// connectLoop retries the first stream connection with backoff. Once
// connected, the stream's watchdog owns reconnection.
func (m *Monitor) connectLoop(ctx context.Context) {
	defer m.wg.Done()

	backoff := time.Second
	maxBackoff := 2 * time.Minute

	for {
		err := m.sess.Stream().Connect(ctx)
		if err == nil || errors.Is(err, stream.ErrAlreadyConnected) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Error("stream connect failed", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(maxBackoff)))
	}
}
