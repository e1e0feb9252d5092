package system

import (
	"log/slog"
	"regexp"
	"strings"
)

// State is the alarm mode of a system.
type State string

const (
	StateAlarm      State = "alarm"
	StateAlarmCount State = "alarm_count"
	StateAway       State = "away"
	StateAwayCount  State = "away_count"
	StateEntryDelay State = "entry_delay"
	StateError      State = "error"
	StateExitDelay  State = "exit_delay"
	StateHome       State = "home"
	StateHomeCount  State = "home_count"
	StateOff        State = "off"
	StateUnknown    State = "unknown"
)

var knownStates = map[State]bool{
	StateAlarm:      true,
	StateAlarmCount: true,
	StateAway:       true,
	StateAwayCount:  true,
	StateEntryDelay: true,
	StateError:      true,
	StateExitDelay:  true,
	StateHome:       true,
	StateHomeCount:  true,
	StateOff:        true,
	StateUnknown:    true,
}

var (
	wordBoundary = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	lowerToUpper = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// toSnake converts "exitDelay" to "exit_delay" and "AWAY" to "away".
func toSnake(s string) string {
	s = wordBoundary.ReplaceAllString(s, "${1}_${2}")
	s = lowerToUpper.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}

// ParseState maps a cloud alarm state. Unrecognized values are logged and
// become StateUnknown.
func ParseState(raw string, log *slog.Logger) State {
	st := State(toSnake(raw))
	if knownStates[st] {
		return st
	}
	if log != nil {
		log.Error("unknown system state", "state", raw)
	}
	return StateUnknown
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return knownStates[s] }
