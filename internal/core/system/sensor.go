package system

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/entity"
)

// entityData is the union of the v2 and v3 device payloads.
type entityData struct {
	Type   api.FlexInt `json:"type"`
	Serial string      `json:"serial"`
	Name   string      `json:"name"`

	// v2
	SensorData  int    `json:"sensorData"`
	Error       bool   `json:"error"`
	Battery     string `json:"battery"`
	Instant     bool   `json:"instant"`
	EntryStatus string `json:"entryStatus"`

	// v2 sends an integer, v3 an object.
	Setting json.RawMessage `json:"setting"`

	// v3
	Status entityStatus `json:"status"`
	Flags  entityFlags  `json:"flags"`
}

type entityStatus struct {
	Triggered        bool        `json:"triggered"`
	Temperature      *int        `json:"temperature"`
	LockState        api.FlexInt `json:"lockState"`
	LockJamState     api.FlexInt `json:"lockJamState"`
	LockDisabled     bool        `json:"lockDisabled"`
	LockLowBattery   bool        `json:"lockLowBattery"`
	PinPadLowBattery bool        `json:"pinPadLowBattery"`
	PinPadOffline    bool        `json:"pinPadOffline"`
}

type entityFlags struct {
	LowBattery      bool `json:"lowBattery"`
	Offline         bool `json:"offline"`
	SwingerShutdown bool `json:"swingerShutdown"`
}

type v3Setting struct {
	InstantTrigger bool `json:"instantTrigger"`
}

// Sensor is a device reporting to the base station. Its data is replaced on
// every entity update; accessors are safe for concurrent use.
type Sensor struct {
	version int
	typ     entity.Type

	mu   sync.RWMutex
	data entityData
}

func newSensor(version int, typ entity.Type, data entityData) *Sensor {
	return &Sensor{version: version, typ: typ, data: data}
}

func (s *Sensor) set(data entityData) {
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

func (s *Sensor) snapshot() entityData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Name returns the user-assigned name.
func (s *Sensor) Name() string { return s.snapshot().Name }

// Serial returns the device serial.
func (s *Sensor) Serial() string { return s.snapshot().Serial }

// Type returns the device kind.
func (s *Sensor) Type() entity.Type { return s.typ }

// TriggerInstantly reports whether the sensor skips the entry delay.
func (s *Sensor) TriggerInstantly() bool {
	d := s.snapshot()
	if s.version == v2 {
		return d.Instant
	}
	var set v3Setting
	_ = json.Unmarshal(d.Setting, &set)
	return set.InstantTrigger
}

// Triggered reports whether the sensor is tripped. v2 systems only report
// this for entry sensors.
func (s *Sensor) Triggered() (bool, error) {
	d := s.snapshot()
	if s.version == v2 {
		if s.typ == entity.Entry {
			return d.EntryStatus == "open", nil
		}
		return false, fmt.Errorf("system: sensor %q: triggered state: %w", d.Name, ErrUnsupported)
	}
	if s.typ.Triggerable() {
		return d.Status.Triggered, nil
	}
	return false, nil
}

// LowBattery reports a low battery.
func (s *Sensor) LowBattery() bool {
	d := s.snapshot()
	if s.version == v2 {
		return d.Battery != "" && d.Battery != "ok"
	}
	return d.Flags.LowBattery
}

// Offline reports whether the base station lost contact with the sensor.
// v2 systems do not report this.
func (s *Sensor) Offline() bool {
	return s.snapshot().Flags.Offline
}

// HasError returns the v2 error flag.
func (s *Sensor) HasError() bool {
	return s.snapshot().Error
}

// Data returns the v2 sensor data flag.
func (s *Sensor) Data() int {
	return s.snapshot().SensorData
}

// Setting returns the v2 setting value.
func (s *Sensor) Setting() int {
	var n int
	_ = json.Unmarshal(s.snapshot().Setting, &n)
	return n
}

// Temperature returns the reading of a v3 temperature sensor.
func (s *Sensor) Temperature() (int, error) {
	d := s.snapshot()
	if s.typ != entity.Temperature || d.Status.Temperature == nil {
		return 0, fmt.Errorf("system: sensor %q has no temperature: %w", d.Name, ErrUnsupported)
	}
	return *d.Status.Temperature, nil
}
