package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/entity"
	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// SensorState is a point-in-time view of a sensor.
type SensorState struct {
	Serial      string      `json:"serial"`
	Name        string      `json:"name"`
	Type        entity.Type `json:"type"`
	Triggered   *bool       `json:"triggered,omitempty"`
	Temperature *int        `json:"temperature,omitempty"`
	LowBattery  bool        `json:"low_battery"`
	Offline     bool        `json:"offline"`
	Error       bool        `json:"error"`
}

// LockState is a point-in-time view of a door lock.
type LockState struct {
	Serial           string           `json:"serial"`
	Name             string           `json:"name"`
	State            system.LockState `json:"state"`
	Disabled         bool             `json:"disabled"`
	LockLowBattery   bool             `json:"lock_low_battery"`
	PinPadLowBattery bool             `json:"pin_pad_low_battery"`
	PinPadOffline    bool             `json:"pin_pad_offline"`
}

// SystemState is a point-in-time view of an alarm system.
type SystemState struct {
	ID             int64         `json:"id"`
	Version        int           `json:"version"`
	Address        string        `json:"address"`
	Serial         string        `json:"serial"`
	State          system.State  `json:"state"`
	AlarmGoingOff  bool          `json:"alarm_going_off"`
	ConnectionType string        `json:"connection_type,omitempty"`
	Temperature    *int          `json:"temperature,omitempty"`
	Offline        bool          `json:"offline"`
	PowerOutage    bool          `json:"power_outage"`
	Sensors        []SensorState `json:"sensors"`
	Locks          []LockState   `json:"locks"`
	LastEvent      *event.Event  `json:"last_event,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StreamStatus describes the event stream connection.
type StreamStatus struct {
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since,omitempty"`
}

// State is a snapshot of everything the store knows.
type State struct {
	Systems   []SystemState `json:"systems"`
	Stream    StreamStatus  `json:"stream"`
	LastEvent *event.Event  `json:"last_event,omitempty"`
}

// EventType identifies bus message categories.
type EventType string

const (
	EventSystemUpdate EventType = "system_update"
	EventActivity     EventType = "activity"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	SystemID  int64       `json:"system_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() State
	System(id int64) (SystemState, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         logging.OrDiscard(log),
	}
}

// Publish sends an event to all subscribers without blocking. A subscriber
// whose buffer is full misses the event.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// --- Store ---

// Store holds the latest system snapshots with thread-safe access.
type Store struct {
	mu        sync.RWMutex
	systems   map[int64]SystemState
	stream    StreamStatus
	lastEvent *event.Event
	bus       *EventBus
	log       *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		systems: make(map[int64]SystemState),
		bus:     bus,
		log:     logging.OrDiscard(log),
	}
}

// Snapshot returns a copy of all state, systems ordered by id.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	systems := make([]SystemState, 0, len(s.systems))
	for _, st := range s.systems {
		systems = append(systems, st)
	}
	sort.Slice(systems, func(i, j int) bool { return systems[i].ID < systems[j].ID })

	return State{
		Systems:   systems,
		Stream:    s.stream,
		LastEvent: copyEvent(s.lastEvent),
	}
}

// System returns the snapshot of one system.
func (s *Store) System(id int64) (SystemState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.systems[id]
	return st, ok
}

// UpdateSystem captures the current view of sys.
func (s *Store) UpdateSystem(sys *system.System) {
	snap := Capture(sys)

	s.mu.Lock()
	if prev, ok := s.systems[snap.ID]; ok {
		snap.LastEvent = prev.LastEvent
	}
	s.systems[snap.ID] = snap
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventSystemUpdate, SystemID: snap.ID, Data: snap})
}

// RecordEvent stores ev as the latest activity of its system.
func (s *Store) RecordEvent(ev event.Event) {
	s.mu.Lock()
	s.lastEvent = &ev
	if st, ok := s.systems[ev.SystemID]; ok {
		st.LastEvent = copyEvent(&ev)
		s.systems[ev.SystemID] = st
	} else {
		s.log.Debug("event for unknown system", "system_id", ev.SystemID, "code", ev.Code)
	}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventActivity, SystemID: ev.SystemID, Data: ev})
}

// SetConnected updates the event stream connection status.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.stream.Connected != connected || s.stream.Since.IsZero()
	if changed {
		s.stream = StreamStatus{Connected: connected, Since: time.Now()}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		s.bus.Publish(Event{Type: EventConnected})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected})
	}
}

// Capture builds a snapshot of sys from its accessors.
func Capture(sys *system.System) SystemState {
	st := SystemState{
		ID:             sys.ID(),
		Version:        sys.Version(),
		Address:        sys.Address(),
		Serial:         sys.Serial(),
		State:          sys.State(),
		AlarmGoingOff:  sys.AlarmGoingOff(),
		ConnectionType: sys.ConnectionType(),
		Offline:        sys.Offline(),
		PowerOutage:    sys.PowerOutage(),
		Sensors:        []SensorState{},
		Locks:          []LockState{},
		UpdatedAt:      time.Now(),
	}
	if t, ok := sys.Temperature(); ok {
		st.Temperature = &t
	}

	for _, sn := range sys.Sensors() {
		ss := SensorState{
			Serial:     sn.Serial(),
			Name:       sn.Name(),
			Type:       sn.Type(),
			LowBattery: sn.LowBattery(),
			Offline:    sn.Offline(),
			Error:      sn.HasError(),
		}
		if trig, err := sn.Triggered(); err == nil && sn.Type().Triggerable() {
			ss.Triggered = &trig
		}
		if temp, err := sn.Temperature(); err == nil {
			ss.Temperature = &temp
		}
		st.Sensors = append(st.Sensors, ss)
	}

	for _, l := range sys.Locks() {
		st.Locks = append(st.Locks, LockState{
			Serial:           l.Serial(),
			Name:             l.Name(),
			State:            l.State(),
			Disabled:         l.Disabled(),
			LockLowBattery:   l.LockLowBattery(),
			PinPadLowBattery: l.PinPadLowBattery(),
			PinPadOffline:    l.PinPadOffline(),
		})
	}
	return st
}

func copyEvent(ev *event.Event) *event.Event {
	if ev == nil {
		return nil
	}
	cp := *ev
	return &cp
}
