package stream

import (
	"errors"
	"strings"
)

// socket.io packet types carried inside engine.io message packets.
const (
	sioConnect     byte = '0'
	sioDisconnect  byte = '1'
	sioEvent       byte = '2'
	sioAck         byte = '3'
	sioError       byte = '4'
	sioBinaryEvent byte = '5'
)

var errEmptyFrame = errors.New("stream: empty socket.io frame")

type sioPacket struct {
	Type      byte
	Namespace string
	AckID     string
	Data      string
}

// parseSocketIO parses "<type>[/<ns>,][<ack id>][<json>]".
func parseSocketIO(frame string) (sioPacket, error) {
	if frame == "" {
		return sioPacket{}, errEmptyFrame
	}
	p := sioPacket{Type: frame[0], Namespace: "/"}
	rest := frame[1:]

	if p.Type == sioBinaryEvent {
		// Attachment count prefix, "<n>-".
		if i := strings.IndexByte(rest, '-'); i >= 0 {
			rest = rest[i+1:]
		}
	}

	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			p.Namespace, rest = rest[:i], rest[i+1:]
		} else {
			p.Namespace, rest = rest, ""
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.AckID, p.Data = rest[:i], rest[i:]
	return p, nil
}

func encodeSocketIO(typ byte, namespace, data string) string {
	if namespace == "" || namespace == "/" {
		return string(typ) + data
	}
	return string(typ) + namespace + "," + data
}
