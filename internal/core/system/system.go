// Package system models the alarm systems (base stations) of an account:
// their state, settings, PINs, and attached sensors and locks.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/entity"
	"github.com/trymwestin/simplisafe/internal/core/event"
	"github.com/trymwestin/simplisafe/internal/logging"
)

const (
	v2 = 2
	v3 = 3
)

// Account is the authenticated API surface a system needs.
type Account interface {
	Do(ctx context.Context, req api.Request, out any) error
	GetSubscriptionData(ctx context.Context, out any) error
}

// Subscriptions is the users/{id}/subscriptions response.
type Subscriptions struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// Subscription is one monitored location.
type Subscription struct {
	SID      api.FlexInt `json:"sid"`
	UID      api.FlexInt `json:"uid"`
	Status   int         `json:"sStatus"`
	PlanName string      `json:"planName"`
	Location Location    `json:"location"`
}

// Location holds address and base station data.
type Location struct {
	SID     api.FlexInt    `json:"sid"`
	Street1 string         `json:"street1"`
	City    string         `json:"city"`
	State   string         `json:"state"`
	Zip     string         `json:"zip"`
	System  LocationSystem `json:"system"`
}

// LocationSystem is the base station block of a location.
type LocationSystem struct {
	Serial      string            `json:"serial"`
	AlarmState  string            `json:"alarmState"`
	IsAlarming  bool              `json:"isAlarming"`
	Version     int               `json:"version"`
	Temperature *int              `json:"temperature"`
	ConnType    string            `json:"connType"`
	IsOffline   bool              `json:"isOffline"`
	PowerOutage bool              `json:"powerOutage"`
	Messages    []rawNotification `json:"messages"`
}

type rawNotification struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Category  string      `json:"category"`
	Code      string      `json:"code"`
	Timestamp api.FlexInt `json:"timestamp"`
	Link      string      `json:"link"`
	LinkLabel string      `json:"linkLabel"`
}

// Notification is a message the base station shows to the user.
type Notification struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	Link      string    `json:"link,omitempty"`
	LinkLabel string    `json:"link_label,omitempty"`
}

// FetchSubscriptions returns the account's active subscriptions.
func FetchSubscriptions(ctx context.Context, acct Account) ([]Subscription, error) {
	var resp Subscriptions
	if err := acct.GetSubscriptionData(ctx, &resp); err != nil {
		return nil, fmt.Errorf("system: fetch subscriptions: %w", err)
	}
	return resp.Subscriptions, nil
}

// System is one alarm system. All methods are safe for concurrent use.
type System struct {
	acct    Account
	log     *slog.Logger
	id      int64
	version int

	mu            sync.RWMutex
	loc           Location
	state         State
	notifications []Notification
	settings      *settingsInfo
	sensors       map[string]*Sensor
	locks         map[string]*Lock
}

// New builds a system from its location data. Only v2 and v3 base stations
// are supported.
func New(acct Account, loc Location, log *slog.Logger) (*System, error) {
	log = logging.OrDiscard(log)
	version := loc.System.Version
	if version != v2 && version != v3 {
		return nil, fmt.Errorf("system: %d: version %d: %w", loc.SID.Int64(), version, ErrUnsupported)
	}
	s := &System{
		acct:    acct,
		log:     log.With("system_id", loc.SID.Int64()),
		id:      loc.SID.Int64(),
		version: version,
		sensors: make(map[string]*Sensor),
		locks:   make(map[string]*Lock),
	}
	s.applyLocation(loc)
	return s, nil
}

// applyLocation must be called with mu held or before s is shared.
func (s *System) applyLocation(loc Location) {
	s.loc = loc
	s.state = ParseState(loc.System.AlarmState, s.log)
	s.notifications = s.buildNotifications(loc.System.Messages)
}

func (s *System) buildNotifications(raw []rawNotification) []Notification {
	if raw == nil {
		s.log.Info("notifications unavailable in plan")
		return nil
	}
	out := make([]Notification, 0, len(raw))
	for _, m := range raw {
		out = append(out, Notification{
			ID:        m.ID,
			Text:      m.Text,
			Category:  m.Category,
			Code:      m.Code,
			Timestamp: time.Unix(m.Timestamp.Int64(), 0).UTC(),
			Link:      m.Link,
			LinkLabel: m.LinkLabel,
		})
	}
	return out
}

// ID returns the subscription id.
func (s *System) ID() int64 { return s.id }

// Version returns the base station generation, 2 or 3.
func (s *System) Version() int { return s.version }

// Address returns the street address.
func (s *System) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.Street1
}

// Serial returns the base station serial.
func (s *System) Serial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.System.Serial
}

// State returns the last known alarm state.
func (s *System) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AlarmGoingOff reports whether the alarm is sounding.
func (s *System) AlarmGoingOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.System.IsAlarming
}

// ConnectionType returns "wifi" or "cell".
func (s *System) ConnectionType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.System.ConnType
}

// Temperature returns the base station temperature, if reported.
func (s *System) Temperature() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loc.System.Temperature == nil {
		return 0, false
	}
	return *s.loc.System.Temperature, true
}

// Offline reports whether a v3 base station is offline.
func (s *System) Offline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.System.IsOffline
}

// PowerOutage reports whether a v3 base station is on battery.
func (s *System) PowerOutage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc.System.PowerOutage
}

// Notifications returns the current notifications.
func (s *System) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.notifications...)
}

// Sensors returns the sensors ordered by serial.
func (s *System) Sensors() []*Sensor {
	s.mu.RLock()
	out := make([]*Sensor, 0, len(s.sensors))
	for _, sn := range s.sensors {
		out = append(out, sn)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

// Sensor returns a sensor by serial.
func (s *System) Sensor(serial string) (*Sensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.sensors[serial]
	return sn, ok
}

// Locks returns the locks ordered by serial.
func (s *System) Locks() []*Lock {
	s.mu.RLock()
	out := make([]*Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

// Lock returns a lock by serial.
func (s *System) Lock(serial string) (*Lock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[serial]
	return l, ok
}

// UpdateOptions selects what Update refreshes. Cached asks the cloud for the
// values it last received from the base station instead of polling it.
type UpdateOptions struct {
	System   bool
	Settings bool
	Entities bool
	Cached   bool
}

// FullUpdate refreshes everything from the cloud's cache.
var FullUpdate = UpdateOptions{System: true, Settings: true, Entities: true, Cached: true}

// Update fetches the latest data. System info and settings load
// concurrently; entities load afterwards because the cloud answers 409 when
// they race the other calls.
func (s *System) Update(ctx context.Context, opts UpdateOptions) error {
	var g errgroup.Group
	if opts.System {
		g.Go(func() error { return s.updateSystemInfo(ctx) })
	}
	if opts.Settings {
		g.Go(func() error { return s.updateSettings(ctx, opts.Cached) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if opts.Entities {
		return s.updateEntities(ctx, opts.Cached)
	}
	return nil
}

func (s *System) updateSystemInfo(ctx context.Context) error {
	subs, err := FetchSubscriptions(ctx, s.acct)
	if err != nil {
		return err
	}
	if subs == nil {
		return nil
	}
	for _, sub := range subs {
		if sub.SID.Int64() != s.id {
			continue
		}
		s.mu.Lock()
		s.applyLocation(sub.Location)
		s.mu.Unlock()
		return nil
	}
	return fmt.Errorf("system: %d: subscription not found", s.id)
}

func (s *System) updateEntities(ctx context.Context, cached bool) error {
	raw, err := s.fetchEntities(ctx, cached)
	if err != nil {
		return err
	}

	for _, item := range raw {
		if api.IsEmptyJSON(item) {
			continue
		}
		var d entityData
		if err := json.Unmarshal(item, &d); err != nil {
			s.log.Warn("skipping malformed entity", "error", err)
			continue
		}
		typ, ok := entity.Parse(d.Type.Int64())
		if !ok {
			s.log.Error("unknown entity type", "type", d.Type.Int64(), "serial", d.Serial)
		}

		s.mu.Lock()
		if typ == entity.Lock && s.version == v3 {
			if l, ok := s.locks[d.Serial]; ok {
				l.set(d)
			} else {
				s.locks[d.Serial] = newLock(s.acct, s.id, d, s.log)
			}
		} else {
			if sn, ok := s.sensors[d.Serial]; ok {
				sn.set(d)
			} else {
				s.sensors[d.Serial] = newSensor(s.version, typ, d)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *System) fetchEntities(ctx context.Context, cached bool) ([]json.RawMessage, error) {
	if s.version == v2 {
		var resp struct {
			Settings struct {
				Sensors []json.RawMessage `json:"sensors"`
			} `json:"settings"`
		}
		err := s.acct.Do(ctx, api.Request{
			Method: http.MethodGet,
			Path:   fmt.Sprintf("subscriptions/%d/settings", s.id),
			Query:  url.Values{"settingsType": {"all"}, "cached": {strconv.FormatBool(cached)}},
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("system: %d: fetch sensors: %w", s.id, err)
		}
		return resp.Settings.Sensors, nil
	}

	var resp struct {
		Sensors []json.RawMessage `json:"sensors"`
	}
	err := s.acct.Do(ctx, api.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("ss3/subscriptions/%d/sensors", s.id),
		Query:  url.Values{"forceUpdate": {strconv.FormatBool(!cached)}},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("system: %d: fetch sensors: %w", s.id, err)
	}
	return resp.Sensors, nil
}

// SetAway arms the system in away mode.
func (s *System) SetAway(ctx context.Context) error { return s.setState(ctx, StateAway) }

// SetHome arms the system in home mode.
func (s *System) SetHome(ctx context.Context) error { return s.setState(ctx, StateHome) }

// SetOff disarms the system.
func (s *System) SetOff(ctx context.Context) error { return s.setState(ctx, StateOff) }

// SetState dispatches to SetAway, SetHome or SetOff.
func (s *System) SetState(ctx context.Context, target State) error {
	switch target {
	case StateAway, StateHome, StateOff:
		return s.setState(ctx, target)
	default:
		return fmt.Errorf("system: %d: cannot set state %q", s.id, target)
	}
}

// setState changes the in-memory state only once the cloud confirms it.
func (s *System) setState(ctx context.Context, target State) error {
	if s.version == v2 {
		var resp struct {
			Success        bool   `json:"success"`
			RequestedState string `json:"requestedState"`
		}
		err := s.acct.Do(ctx, api.Request{
			Method: http.MethodPost,
			Path:   fmt.Sprintf("subscriptions/%d/state", s.id),
			Query:  url.Values{"state": {string(target)}},
		}, &resp)
		if err != nil {
			return fmt.Errorf("system: %d: set %s: %w", s.id, target, err)
		}
		s.log.Debug("set state response", "state", target, "success", resp.Success)
		if resp.Success {
			s.mu.Lock()
			s.state = ParseState(resp.RequestedState, s.log)
			s.mu.Unlock()
		}
		return nil
	}

	var resp struct {
		State string `json:"state"`
	}
	err := s.acct.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("ss3/subscriptions/%d/state/%s", s.id, target),
	}, &resp)
	if err != nil {
		return fmt.Errorf("system: %d: set %s: %w", s.id, target, err)
	}
	s.log.Debug("set state response", "state", target, "reported", resp.State)
	if resp.State != "" {
		s.mu.Lock()
		s.state = ParseState(resp.State, s.log)
		s.mu.Unlock()
	}
	return nil
}

// ApplyEvent updates the in-memory state from a stream event without a
// round trip. Events that do not imply a state are ignored.
func (s *System) ApplyEvent(ev event.Event) {
	if ev.SystemID != s.id {
		return
	}
	var next State
	switch ev.Type {
	case event.ArmedAway, event.ArmedAwayByKeypad, event.ArmedAwayByRemote:
		next = StateAway
	case event.ArmedHome:
		next = StateHome
	case event.DisarmedByMasterPin, event.DisarmedByRemote, event.AlarmCanceled:
		next = StateOff
	case event.AwayExitDelayByKeypad, event.AwayExitDelayByRemote, event.HomeExitDelay:
		next = StateExitDelay
	case event.EntryDelay:
		next = StateEntryDelay
	case event.AlarmTriggered:
		next = StateAlarm
	default:
		return
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// GetEvents returns events recorded by the base station. A zero from and a
// zero n return the cloud's default of the most recent 50 events.
func (s *System) GetEvents(ctx context.Context, from time.Time, n int) ([]event.Event, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("fromTimestamp", strconv.FormatInt(from.Unix(), 10))
	}
	if n > 0 {
		q.Set("numEvents", strconv.Itoa(n))
	}

	var resp struct {
		Events []event.Payload `json:"events"`
	}
	err := s.acct.Do(ctx, api.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("subscriptions/%d/events", s.id),
		Query:  q,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("system: %d: get events: %w", s.id, err)
	}

	events := make([]event.Event, 0, len(resp.Events))
	for _, p := range resp.Events {
		events = append(events, event.FromPayload(p, s.log))
	}
	return events, nil
}

// GetLatestEvent returns the most recent event.
func (s *System) GetLatestEvent(ctx context.Context) (event.Event, error) {
	events, err := s.GetEvents(ctx, time.Time{}, 1)
	if err != nil {
		return event.Event{}, err
	}
	if len(events) == 0 {
		return event.Event{}, ErrNoEvents
	}
	return events[0], nil
}
