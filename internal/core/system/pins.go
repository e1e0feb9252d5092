package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/trymwestin/simplisafe/internal/core/api"
)

const (
	// LabelMaster and LabelDuress name the reserved PINs.
	LabelMaster = "master"
	LabelDuress = "duress"

	maxUserPins = 4
	pinLength   = 4
)

// UserPin is a labelled user PIN.
type UserPin struct {
	Label string `json:"label"`
	Pin   string `json:"pin"`
}

// Pins holds every PIN of a system. The cloud only accepts the complete set,
// so changes are always read-modify-write.
type Pins struct {
	Master string    `json:"master"`
	Duress string    `json:"duress"`
	Users  []UserPin `json:"users"`
}

// Lookup finds a PIN by label.
func (p Pins) Lookup(label string) (string, bool) {
	switch label {
	case LabelMaster:
		return p.Master, true
	case LabelDuress:
		return p.Duress, true
	}
	for _, u := range p.Users {
		if u.Label == label {
			return u.Pin, true
		}
	}
	return "", false
}

func (p Pins) contains(pin string) bool {
	if p.Master == pin || p.Duress == pin {
		return true
	}
	for _, u := range p.Users {
		if u.Pin == pin {
			return true
		}
	}
	return false
}

// GetPins returns all PINs.
func (s *System) GetPins(ctx context.Context, cached bool) (Pins, error) {
	if s.version == v2 {
		return s.getPinsV2(ctx, cached)
	}
	if err := s.updateSettings(ctx, cached); err != nil {
		return Pins{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return Pins{}, fmt.Errorf("system: %d: pins unavailable", s.id)
	}
	ps := s.settings.Settings.Pins
	pins := Pins{Master: ps.Master.Pin, Duress: ps.Duress.Pin}
	for _, u := range ps.Users {
		if u.Pin != "" {
			pins.Users = append(pins.Users, UserPin{Label: u.Name, Pin: u.Pin})
		}
	}
	return pins, nil
}

func (s *System) getPinsV2(ctx context.Context, cached bool) (Pins, error) {
	var resp struct {
		Pins map[string]struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"pins"`
	}
	err := s.acct.Do(ctx, api.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("subscriptions/%d/pins", s.id),
		Query:  url.Values{"settingsType": {"all"}, "cached": {strconv.FormatBool(cached)}},
	}, &resp)
	if err != nil {
		return Pins{}, fmt.Errorf("system: %d: get pins: %w", s.id, err)
	}

	pins := Pins{Master: resp.Pins["pin1"].Value, Duress: resp.Pins["duress"].Value}
	slots := make([]string, 0, len(resp.Pins))
	for slot := range resp.Pins {
		if slot != "pin1" && slot != "duress" {
			slots = append(slots, slot)
		}
	}
	sort.Strings(slots)
	for _, slot := range slots {
		if p := resp.Pins[slot]; p.Value != "" {
			pins.Users = append(pins.Users, UserPin{Label: p.Name, Pin: p.Value})
		}
	}
	return pins, nil
}

// SetPin creates or replaces a PIN. The reserved labels replace the master
// or duress PIN.
func (s *System) SetPin(ctx context.Context, label, pin string) error {
	if len(pin) != pinLength {
		return &PinError{Reason: fmt.Sprintf("PINs must be %d digits long", pinLength)}
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return &PinError{Reason: "PINs can only contain numbers"}
		}
	}

	pins, err := s.GetPins(ctx, false)
	if err != nil {
		return err
	}
	if pins.contains(pin) {
		return &PinError{Reason: "refusing to create duplicate PIN " + pin}
	}

	switch label {
	case LabelMaster:
		pins.Master = pin
	case LabelDuress:
		pins.Duress = pin
	default:
		replaced := false
		for i := range pins.Users {
			if pins.Users[i].Label == label {
				pins.Users[i].Pin = pin
				replaced = true
				break
			}
		}
		if !replaced {
			if len(pins.Users) >= maxUserPins {
				return &PinError{Reason: fmt.Sprintf("refusing to create more than %d user PINs", maxUserPins)}
			}
			pins.Users = append(pins.Users, UserPin{Label: label, Pin: pin})
		}
	}
	return s.postPins(ctx, pins)
}

// RemovePin removes a user PIN by label or value. The master and duress
// PINs cannot be removed.
func (s *System) RemovePin(ctx context.Context, pinOrLabel string) error {
	if pinOrLabel == LabelMaster || pinOrLabel == LabelDuress {
		return &PinError{Reason: "refusing to delete reserved PIN " + pinOrLabel}
	}

	pins, err := s.GetPins(ctx, false)
	if err != nil {
		return err
	}
	if pinOrLabel != "" && (pinOrLabel == pins.Master || pinOrLabel == pins.Duress) {
		return &PinError{Reason: "refusing to delete reserved PIN"}
	}

	idx := -1
	for i, u := range pins.Users {
		if u.Label == pinOrLabel || u.Pin == pinOrLabel {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &PinError{Reason: "cannot delete nonexistent PIN " + pinOrLabel}
	}
	pins.Users = append(pins.Users[:idx], pins.Users[idx+1:]...)
	return s.postPins(ctx, pins)
}

func (s *System) postPins(ctx context.Context, pins Pins) error {
	if s.version == v2 {
		err := s.acct.Do(ctx, api.Request{
			Method: http.MethodPost,
			Path:   fmt.Sprintf("subscriptions/%d/pins", s.id),
			JSON:   pinPayloadV2(pins),
		}, nil)
		if err != nil {
			return fmt.Errorf("system: %d: set pins: %w", s.id, err)
		}
		return nil
	}

	var raw json.RawMessage
	err := s.acct.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("ss3/subscriptions/%d/settings/pins", s.id),
		JSON:   pinPayloadV3(pins),
	}, &raw)
	if err != nil {
		return fmt.Errorf("system: %d: set pins: %w", s.id, err)
	}
	return s.storeSettings(raw)
}

// pinPayloadV2 numbers user slots pin2..pin5 after the master PIN in pin1.
func pinPayloadV2(p Pins) map[string]any {
	slots := map[string]any{
		"duress": map[string]string{"value": p.Duress},
		"pin1":   map[string]string{"value": p.Master},
	}
	for i := 0; i < maxUserPins; i++ {
		slot := map[string]string{"name": "", "value": ""}
		if i < len(p.Users) {
			slot = map[string]string{"name": p.Users[i].Label, "value": p.Users[i].Pin}
		}
		slots["pin"+strconv.Itoa(i+2)] = slot
	}
	return map[string]any{"pins": slots}
}

// pinPayloadV3 always fills all user slots; empty ones clear the slot.
func pinPayloadV3(p Pins) map[string]any {
	users := map[string]any{}
	for i := 0; i < maxUserPins; i++ {
		slot := map[string]string{"name": "", "pin": ""}
		if i < len(p.Users) {
			slot = map[string]string{"name": p.Users[i].Label, "pin": p.Users[i].Pin}
		}
		users[strconv.Itoa(i)] = slot
	}
	return map[string]any{
		"pins": map[string]any{
			"duress": map[string]string{"pin": p.Duress},
			"master": map[string]string{"pin": p.Master},
			"users":  users,
		},
	}
}
