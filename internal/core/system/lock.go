package system

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/trymwestin/simplisafe/internal/core/api"
)

// LockState is the state of a door lock.
type LockState int

const (
	LockUnlocked LockState = 0
	LockLocked   LockState = 1
	LockJammed   LockState = 2
	LockUnknown  LockState = 99
)

func (s LockState) String() string {
	switch s {
	case LockUnlocked:
		return "unlocked"
	case LockLocked:
		return "locked"
	case LockJammed:
		return "jammed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Lock is a door lock paired with a v3 base station.
type Lock struct {
	acct     Account
	systemID int64
	log      *slog.Logger

	mu   sync.RWMutex
	data entityData
}

func newLock(acct Account, systemID int64, data entityData, log *slog.Logger) *Lock {
	return &Lock{acct: acct, systemID: systemID, data: data, log: log}
}

func (l *Lock) set(data entityData) {
	l.mu.Lock()
	l.data = data
	l.mu.Unlock()
}

func (l *Lock) snapshot() entityData {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data
}

// Name returns the user-assigned name.
func (l *Lock) Name() string { return l.snapshot().Name }

// Serial returns the lock serial.
func (l *Lock) Serial() string { return l.snapshot().Serial }

// Disabled reports whether the lock is disabled.
func (l *Lock) Disabled() bool { return l.snapshot().Status.LockDisabled }

// LockLowBattery reports a low lock battery.
func (l *Lock) LockLowBattery() bool { return l.snapshot().Status.LockLowBattery }

// PinPadLowBattery reports a low PIN pad battery.
func (l *Lock) PinPadLowBattery() bool { return l.snapshot().Status.PinPadLowBattery }

// PinPadOffline reports whether the PIN pad is offline.
func (l *Lock) PinPadOffline() bool { return l.snapshot().Status.PinPadOffline }

// State returns the lock state. A jam overrides the reported position.
func (l *Lock) State() LockState {
	d := l.snapshot()
	if d.Status.LockJamState != 0 {
		return LockJammed
	}
	switch st := LockState(d.Status.LockState); st {
	case LockUnlocked, LockLocked, LockJammed, LockUnknown:
		return st
	default:
		l.log.Error("unknown lock state", "serial", d.Serial, "state", int(st))
		return LockUnknown
	}
}

// Lock locks the lock.
func (l *Lock) Lock(ctx context.Context) error {
	return l.setState(ctx, LockLocked)
}

// Unlock unlocks the lock.
func (l *Lock) Unlock(ctx context.Context) error {
	return l.setState(ctx, LockUnlocked)
}

func (l *Lock) setState(ctx context.Context, target LockState) error {
	verb := "unlock"
	if target == LockLocked {
		verb = "lock"
	}
	serial := l.Serial()

	err := l.acct.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("doorlock/%d/%s/state", l.systemID, serial),
		JSON:   map[string]string{"state": verb},
	}, nil)
	if err != nil {
		return fmt.Errorf("system: %s %s: %w", verb, serial, err)
	}

	l.mu.Lock()
	l.data.Status.LockState = api.FlexInt(target)
	l.mu.Unlock()
	return nil
}
