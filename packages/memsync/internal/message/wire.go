package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/e2b-dev/memsync/packages/memsync/internal/delta"
)

type wireMessage struct {
	Type      Type                  `json:"type,omitempty"`
	Timestamp float64               `json:"timestamp"`
	Pages     map[string]string     `json:"pages,omitempty"`
	Changes   map[string]wireRecord `json:"changes,omitempty"`
}

type wireRecord struct {
	// Each change is an [offset, value] pair.
	Changes   [][2]uint32 `json:"changes"`
	FullSize  uint32      `json:"full_size"`
	Timestamp float64     `json:"timestamp,omitempty"`
}

// Marshal encodes the message as JSON with hexadecimal addresses and payloads.
func Marshal(msg SyncMessage) ([]byte, error) {
	wire := wireMessage{
		Type:      msg.Type(),
		Timestamp: toUnix(msg.Time()),
	}

	switch m := msg.(type) {
	case *FullSnapshot:
		wire.Pages = make(map[string]string, len(m.Pages))
		for addr, data := range m.Pages {
			wire.Pages[FormatAddress(addr)] = hex.EncodeToString(data)
		}
	case *DeltaBatch:
		wire.Changes = make(map[string]wireRecord, len(m.Changes))
		for addr, record := range m.Changes {
			changes := make([][2]uint32, len(record.Changes))
			for i, c := range record.Changes {
				changes[i] = [2]uint32{c.Offset, uint32(c.Value)}
			}

			wire.Changes[FormatAddress(addr)] = wireRecord{
				Changes:   changes,
				FullSize:  record.FullSize,
				Timestamp: toUnix(record.Timestamp),
			}
		}
	default:
		return nil, fmt.Errorf("unknown message type %T: %w", msg, ErrMalformedMessage)
	}

	return json.Marshal(wire)
}

// Unmarshal decodes a JSON message. A missing type is treated as a delta.
func Unmarshal(data []byte) (SyncMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w: %w", ErrMalformedMessage, err)
	}

	switch wire.Type {
	case TypeFullSnapshot:
		return decodeFullSnapshot(wire)
	case TypeDeltaChanges, "":
		return decodeDeltaBatch(wire)
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", wire.Type, ErrMalformedMessage)
	}
}

func decodeFullSnapshot(wire wireMessage) (*FullSnapshot, error) {
	msg := &FullSnapshot{
		Timestamp: fromUnix(wire.Timestamp),
		Pages:     make(map[uint64][]byte, len(wire.Pages)),
	}

	for key, payload := range wire.Pages {
		addr, err := ParseAddress(key)
		if err != nil {
			return nil, err
		}

		data, err := hex.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid payload of page %s: %w: %w", key, ErrMalformedMessage, err)
		}

		msg.Pages[addr] = data
	}

	return msg, nil
}

func decodeDeltaBatch(wire wireMessage) (*DeltaBatch, error) {
	msg := &DeltaBatch{
		Timestamp: fromUnix(wire.Timestamp),
		Changes:   make(map[uint64]delta.ChangeRecord, len(wire.Changes)),
	}

	for key, record := range wire.Changes {
		addr, err := ParseAddress(key)
		if err != nil {
			return nil, err
		}

		changes := make([]delta.ByteChange, len(record.Changes))
		for i, c := range record.Changes {
			if c[1] > math.MaxUint8 {
				return nil, fmt.Errorf("invalid value %d at offset %d of page %s: %w", c[1], c[0], key, ErrMalformedMessage)
			}

			changes[i] = delta.ByteChange{Offset: c[0], Value: byte(c[1])}
		}

		msg.Changes[addr] = delta.ChangeRecord{
			Changes:   changes,
			FullSize:  record.FullSize,
			Timestamp: fromUnix(record.Timestamp),
		}
	}

	return msg, nil
}

func FormatAddress(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// ParseAddress accepts hexadecimal addresses with or without the 0x prefix.
func ParseAddress(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(s), "0x")

	addr, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w: %w", s, ErrMalformedMessage, err)
	}

	return addr, nil
}

func toUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}

	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}

	sec, frac := math.Modf(ts)

	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
