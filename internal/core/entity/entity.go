// Package entity enumerates the kinds of devices attached to a base station.
package entity

import "fmt"

// Type is the cloud's numeric device kind.
type Type int

const (
	Remote         Type = 0
	Keypad         Type = 1
	Keychain       Type = 2
	PanicButton    Type = 3
	Motion         Type = 4
	Entry          Type = 5
	GlassBreak     Type = 6
	CarbonMonoxide Type = 7
	Smoke          Type = 8
	Leak           Type = 9
	Temperature    Type = 10
	Camera         Type = 12
	Siren          Type = 13
	Doorbell       Type = 15
	Lock           Type = 16
	Unknown        Type = 99
)

var names = map[Type]string{
	Remote:         "remote",
	Keypad:         "keypad",
	Keychain:       "keychain",
	PanicButton:    "panic_button",
	Motion:         "motion",
	Entry:          "entry",
	GlassBreak:     "glass_break",
	CarbonMonoxide: "carbon_monoxide",
	Smoke:          "smoke",
	Leak:           "leak",
	Temperature:    "temperature",
	Camera:         "camera",
	Siren:          "siren",
	Doorbell:       "doorbell",
	Lock:           "lock",
	Unknown:        "unknown",
}

// Parse maps a raw type number. Unrecognized numbers return Unknown and false.
func Parse(raw int64) (Type, bool) {
	t := Type(raw)
	if _, ok := names[t]; !ok || t == Unknown {
		return Unknown, t == Unknown
	}
	return t, true
}

func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Triggerable reports whether sensors of this type report a triggered state.
func (t Type) Triggerable() bool {
	switch t {
	case CarbonMonoxide, Entry, GlassBreak, Leak, Motion, Smoke, Temperature:
		return true
	}
	return false
}
