// Package event turns raw cloud activity records into typed events. The same
// record shape is pushed over the event stream and returned by the events
// REST endpoint.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/entity"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// Type is a named event category.
type Type string

const (
	AlarmCanceled         Type = "alarm_canceled"
	AlarmTriggered        Type = "alarm_triggered"
	ArmedAway             Type = "armed_away"
	ArmedAwayByKeypad     Type = "armed_away_by_keypad"
	ArmedAwayByRemote     Type = "armed_away_by_remote"
	ArmedHome             Type = "armed_home"
	AutomaticTest         Type = "automatic_test"
	AwayExitDelayByKeypad Type = "away_exit_delay_by_keypad"
	AwayExitDelayByRemote Type = "away_exit_delay_by_remote"
	CameraMotionDetected  Type = "camera_motion_detected"
	ConnectionLost        Type = "connection_lost"
	ConnectionRestored    Type = "connection_restored"
	DisarmedByMasterPin   Type = "disarmed_by_master_pin"
	DisarmedByRemote      Type = "disarmed_by_remote"
	DoorbellDetected      Type = "doorbell_detected"
	EntryDelay            Type = "entry_delay"
	HomeExitDelay         Type = "home_exit_delay"
	LockError             Type = "lock_error"
	LockLocked            Type = "lock_locked"
	LockUnlocked          Type = "lock_unlocked"
	PowerOutage           Type = "power_outage"
	PowerRestored         Type = "power_restored"
	SecretAlertTriggered  Type = "secret_alert_triggered"
	SensorNotResponding   Type = "sensor_not_responding"
	SensorPairedAndNamed  Type = "sensor_paired_and_named"
	SensorRestored        Type = "sensor_restored"
	UserInitiatedTest     Type = "user_initiated_test"
)

// codes maps the cloud's event codes (the "CID") to categories.
var codes = map[int]Type{
	1110: AlarmTriggered,
	1120: AlarmTriggered,
	1132: AlarmTriggered,
	1134: AlarmTriggered,
	1154: AlarmTriggered,
	1159: AlarmTriggered,
	1162: AlarmTriggered,
	1170: CameraMotionDetected,
	1301: PowerOutage,
	1350: ConnectionLost,
	1381: SensorNotResponding,
	1400: DisarmedByMasterPin,
	1406: AlarmCanceled,
	1407: DisarmedByRemote,
	1409: SecretAlertTriggered,
	1429: EntryDelay,
	1458: DoorbellDetected,
	1531: SensorPairedAndNamed,
	1601: UserInitiatedTest,
	1602: AutomaticTest,
	3301: PowerRestored,
	3350: ConnectionRestored,
	3381: SensorRestored,
	3401: ArmedAwayByKeypad,
	3407: ArmedAwayByRemote,
	3441: ArmedHome,
	3481: ArmedAway,
	3487: ArmedAway,
	3491: ArmedHome,
	9401: AwayExitDelayByKeypad,
	9407: AwayExitDelayByRemote,
	9441: HomeExitDelay,
	9700: LockUnlocked,
	9701: LockLocked,
	9703: LockError,
}

// TypeForCode returns the category of a raw event code.
func TypeForCode(code int) (Type, bool) {
	t, ok := codes[code]
	return t, ok
}

// Payload is an activity record as sent by the cloud. Ids and timestamps
// arrive as numbers or strings depending on the endpoint.
type Payload struct {
	EventID        api.FlexInt  `json:"eventId"`
	EventTimestamp api.FlexInt  `json:"eventTimestamp"`
	EventCID       api.FlexInt  `json:"eventCid"`
	ZoneCID        string       `json:"zoneCid"`
	SensorType     *api.FlexInt `json:"sensorType"`
	SensorSerial   string       `json:"sensorSerial"`
	SID            api.FlexInt  `json:"sid"`
	Info           string       `json:"info"`
	PinName        string       `json:"pinName"`
	SensorName     string       `json:"sensorName"`
	MessageSubject string       `json:"messageSubject"`
	MessageBody    string       `json:"messageBody"`
	EventType      string       `json:"eventType"`
}

// Event is a decoded activity record.
//
// Type is empty when the code is not recognized; Code always carries the
// raw value so such events can still be reported.
type Event struct {
	ID           string      `json:"id"`
	Type         Type        `json:"type,omitempty"`
	Code         int         `json:"code"`
	Info         string      `json:"info"`
	SystemID     int64       `json:"system_id"`
	Timestamp    time.Time   `json:"timestamp"`
	ChangedBy    string      `json:"changed_by,omitempty"`
	SensorName   string      `json:"sensor_name,omitempty"`
	SensorSerial string      `json:"sensor_serial,omitempty"`
	SensorType   entity.Type `json:"sensor_type"`
}

// Known reports whether the event code mapped to a category.
func (e Event) Known() bool { return e.Type != "" }

// Decode parses a raw activity record.
func Decode(raw []byte, log *slog.Logger) (Event, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	return FromPayload(p, log), nil
}

// FromPayload converts a payload. Unknown codes and sensor types are logged
// as warnings and never fail.
func FromPayload(p Payload, log *slog.Logger) Event {
	log = logging.OrDiscard(log)

	ev := Event{
		ID:           uuid.NewString(),
		Code:         int(p.EventCID),
		Info:         p.Info,
		SystemID:     p.SID.Int64(),
		Timestamp:    time.Unix(p.EventTimestamp.Int64(), 0).UTC(),
		ChangedBy:    p.PinName,
		SensorName:   p.SensorName,
		SensorSerial: p.SensorSerial,
		SensorType:   entity.Unknown,
	}

	if t, ok := codes[ev.Code]; ok {
		ev.Type = t
	} else {
		log.Warn("unknown event code", "code", ev.Code, "info", p.Info)
	}

	// Arming and lock events carry no sensor.
	if p.SensorType == nil {
		return ev
	}
	if typ, ok := entity.Parse(p.SensorType.Int64()); ok {
		ev.SensorType = typ
	} else {
		log.Warn("unknown entity type", "type", p.SensorType.Int64(), "info", p.Info)
	}
	return ev
}
