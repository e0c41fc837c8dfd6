// Package protocol defines the wire envelope shared by the relay, the viewer
// and the streamer: a MessagePack map {"t": type, "p": payload, "d": time}.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformed is returned for truncated or mistyped input.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned when "t" names no registered payload.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope keys.
const (
	keyType      = "t"
	keyPayload   = "p"
	keyTimestamp = "d"
)

type decoderFunc func(Map) (Payload, error)

// registry maps a type name to its payload decoder.
var registry = map[string]decoderFunc{
	TypePeerAnnouncement: decodePeerAnnouncement,
	TypePeerInfo:         decodePeerInfo,
	TypeError:            decodeError,
	TypeSyn:              decodeSyn,
	TypeAck:              func(Map) (Payload, error) { return Ack{}, nil },
	TypeHeartbeat:        func(Map) (Payload, error) { return Heartbeat{}, nil },
	TypeLatency:          func(Map) (Payload, error) { return Latency{}, nil },
	TypeControl:          decodeControl,
	TypeTelemetry:        decodeTelemetry,
	TypeCommand:          decodeCommand,
	TypeCommandAck:       decodeCommandAck,
}

// Registered reports whether typ has a payload decoder.
func Registered(typ string) bool {
	_, ok := registry[typ]
	return ok
}

// Encode serializes a Message into a datagram.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("encode: message has no payload")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeMapLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(keyType); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(m.Payload.Type()); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(keyPayload); err != nil {
		return nil, err
	}
	if err := encodeMap(enc, m.Payload.payload()); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Payload.Type(), err)
	}
	if err := enc.EncodeString(keyTimestamp); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(m.Timestamp); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a datagram into a Message. It never panics: every failure is
// reported as an error wrapping ErrMalformed or ErrUnknownType.
func Decode(data []byte) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = Message{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	rd := bytes.NewReader(data)
	dec := msgpack.NewDecoder(rd)
	dec.UseLooseInterfaceDecoding(true)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return Message{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if n < 0 {
		return Message{}, fmt.Errorf("%w: envelope is nil", ErrMalformed)
	}

	var (
		typ        string
		raw        any
		ts         float64
		hasType    bool
		hasPayload bool
		hasTime    bool
	)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Message{}, fmt.Errorf("%w: envelope key: %v", ErrMalformed, err)
		}
		// A repeated key would let PeekType and Decode disagree on the type.
		switch {
		case key == keyType && hasType, key == keyPayload && hasPayload, key == keyTimestamp && hasTime:
			return Message{}, fmt.Errorf("%w: duplicate key %q", ErrMalformed, key)
		}
		switch key {
		case keyType:
			typ, err = dec.DecodeString()
			hasType = true
		case keyPayload:
			raw, err = dec.DecodeInterfaceLoose()
			hasPayload = true
		case keyTimestamp:
			ts, err = dec.DecodeFloat64()
			hasTime = true
		default:
			err = dec.Skip()
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
		}
	}
	if rd.Len() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rd.Len())
	}
	if !hasType {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	decode, ok := registry[typ]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	fields := Map{}
	if hasPayload && raw != nil {
		v, err := FromAny(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, typ, err)
		}
		m, ok := v.AsMap()
		if !ok {
			return Message{}, fmt.Errorf("%w: %s payload is %s, want map", ErrMalformed, typ, v.Kind())
		}
		fields = m
	}

	p, err := decode(fields)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}

	return Message{Timestamp: ts, Payload: p}, nil
}

// PeekType reads only the "t" field. It returns TypeUnknown when data is not
// an envelope or has no type.
func PeekType(data []byte) (typ string) {
	defer func() {
		if recover() != nil {
			typ = TypeUnknown
		}
	}()

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeMapLen()
	if err != nil || n < 0 {
		return TypeUnknown
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return TypeUnknown
		}
		if key == keyType {
			t, err := dec.DecodeString()
			if err != nil {
				return TypeUnknown
			}
			return t
		}
		if err := dec.Skip(); err != nil {
			return TypeUnknown
		}
	}
	return TypeUnknown
}

// ──────────────────────────────────────────────────────────────────────────────
// Payload decoders
// ──────────────────────────────────────────────────────────────────────────────

// A missing field takes its zero (or documented) default; a field present
// with the wrong kind is an error.

func stringField(m Map, key, def string) (string, error) {
	v, ok := m[key]
	if !ok || v.Kind() == KindNil {
		return def, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("field %q is %s, want string", key, v.Kind())
	}
	return s, nil
}

func intField(m Map, key string, def int64) (int64, error) {
	v, ok := m[key]
	if !ok || v.Kind() == KindNil {
		return def, nil
	}
	i, ok := v.AsInt()
	if !ok {
		return 0, fmt.Errorf("field %q is %s, want number", key, v.Kind())
	}
	return i, nil
}

func mapField(m Map, key string) (Map, error) {
	v, ok := m[key]
	if !ok || v.Kind() == KindNil {
		return Map{}, nil
	}
	sub, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("field %q is %s, want map", key, v.Kind())
	}
	return sub, nil
}

func decodePeerAnnouncement(m Map) (Payload, error) {
	role, err := stringField(m, "r", "")
	if err != nil {
		return nil, err
	}
	id, err := stringField(m, "i", "")
	if err != nil {
		return nil, err
	}
	pt, err := stringField(m, "p", "")
	if err != nil {
		return nil, err
	}
	return PeerAnnouncement{Role: Role(role), SessionID: id, PortType: PortType(pt)}, nil
}

func decodePeerInfo(m Map) (Payload, error) {
	ip, err := stringField(m, "ip", "")
	if err != nil {
		return nil, err
	}
	video, err := intField(m, "video_port", 0)
	if err != nil {
		return nil, err
	}
	control, err := intField(m, "control_port", 0)
	if err != nil {
		return nil, err
	}
	return PeerInfo{IP: ip, VideoPort: int(video), ControlPort: int(control)}, nil
}

func decodeError(m Map) (Payload, error) {
	code, err := stringField(m, "e", "")
	if err != nil {
		return nil, err
	}
	return ErrorMsg{Code: code}, nil
}

func decodeSyn(m Map) (Payload, error) {
	v, err := intField(m, "v", 1)
	if err != nil {
		return nil, err
	}
	return Syn{Version: int(v)}, nil
}

func decodeControl(m Map) (Payload, error) {
	values, err := mapField(m, "v")
	if err != nil {
		return nil, err
	}
	return Control{Values: values}, nil
}

func decodeTelemetry(m Map) (Payload, error) {
	values, err := mapField(m, "v")
	if err != nil {
		return nil, err
	}
	return Telemetry{Values: values}, nil
}

func decodeCommand(m Map) (Payload, error) {
	name, err := stringField(m, "c", "")
	if err != nil {
		return nil, err
	}
	params, err := mapField(m, "p")
	if err != nil {
		return nil, err
	}
	id, err := stringField(m, "i", "")
	if err != nil {
		return nil, err
	}
	return Command{Name: name, Params: params, ID: id}, nil
}

func decodeCommandAck(m Map) (Payload, error) {
	id, err := stringField(m, "i", "")
	if err != nil {
		return nil, err
	}
	return CommandAck{ID: id}, nil
}
