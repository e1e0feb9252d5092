package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PacketType is an engine.io packet type. On a websocket each text frame
// carries exactly one packet whose first byte is the type.
type PacketType byte

const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

// ErrEmptyPacket is returned when decoding an empty frame.
var ErrEmptyPacket = errors.New("transport: empty packet")

// Packet is a single engine.io packet.
type Packet struct {
	Type PacketType
	Data string
}

// Encode returns the wire form of the packet.
func (p Packet) Encode() string {
	return string(p.Type) + p.Data
}

// DecodePacket parses a text frame.
func DecodePacket(frame string) (Packet, error) {
	if frame == "" {
		return Packet{}, ErrEmptyPacket
	}
	t := PacketType(frame[0])
	if t < PacketOpen || t > PacketNoop {
		return Packet{}, fmt.Errorf("transport: unknown packet type %q", frame[0])
	}
	return Packet{Type: t, Data: frame[1:]}, nil
}

// Handshake is the payload of the open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// Interval returns the ping interval, defaulting to 25s.
func (h Handshake) Interval() time.Duration {
	if h.PingInterval <= 0 {
		return 25 * time.Second
	}
	return time.Duration(h.PingInterval) * time.Millisecond
}

// Timeout returns the ping timeout, defaulting to 20s.
func (h Handshake) Timeout() time.Duration {
	if h.PingTimeout <= 0 {
		return 20 * time.Second
	}
	return time.Duration(h.PingTimeout) * time.Millisecond
}

// ParseHandshake decodes an open packet.
func ParseHandshake(p Packet) (Handshake, error) {
	if p.Type != PacketOpen {
		return Handshake{}, fmt.Errorf("transport: expected open packet, got %s", p.Type)
	}
	var h Handshake
	if err := json.Unmarshal([]byte(p.Data), &h); err != nil {
		return Handshake{}, fmt.Errorf("transport: parse handshake: %w", err)
	}
	return h, nil
}
