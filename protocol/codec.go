package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when bytes do not decode to a valid message or envelope.
var ErrMalformed = errors.New("malformed message")

// field numbers of the Message encoding
const (
	msgKindField protowire.Number = 1
	msgBodyField protowire.Number = 2
)

// field numbers of the Envelope encoding
const (
	envSenderField    protowire.Number = 1
	envRecipientField protowire.Number = 2
	envKeyField       protowire.Number = 3
	envPayloadField   protowire.Number = 4
)

// Marshal encodes the message in protobuf wire format.
func Marshal(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrMalformed, m.Kind)
	}
	if !m.Kind.hasBody() && m.Body != "" {
		return nil, fmt.Errorf("%w: %s carries no payload", ErrMalformed, m.Kind)
	}
	b := protowire.AppendTag(nil, msgKindField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.Kind.hasBody() {
		b = protowire.AppendTag(b, msgBodyField, protowire.BytesType)
		b = protowire.AppendString(b, m.Body)
	}
	return b, nil
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	var sawBody bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, wireErr(n)
		}
		b = b[n:]
		switch {
		case num == msgKindField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, wireErr(n)
			}
			if v > uint64(KindExchangeEnd) {
				return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, v)
			}
			m.Kind = Kind(v)
			b = b[n:]
		case num == msgBodyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, wireErr(n)
			}
			m.Body = v
			sawBody = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, wireErr(n)
			}
			b = b[n:]
		}
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if sawBody && !m.Kind.hasBody() {
		return Message{}, fmt.Errorf("%w: %s carries no payload", ErrMalformed, m.Kind)
	}
	return m, nil
}

// Envelope wraps a serialized message on the wire. A nil Recipient means
// broadcast. SenderKey is the marshalled public key of the sender, checked
// by the transport against the authenticated origin of the packet.
type Envelope struct {
	Sender    uint32
	Recipient *uint32
	SenderKey []byte
	Payload   []byte
}

// IsBroadcast reports whether the envelope targets every participant.
func (e *Envelope) IsBroadcast() bool {
	return e.Recipient == nil
}

// For reports whether the participant at position should process the envelope.
func (e *Envelope) For(position uint32) bool {
	return e.Recipient == nil || *e.Recipient == position
}

// MarshalEnvelope encodes the envelope in protobuf wire format.
func MarshalEnvelope(e *Envelope) []byte {
	b := protowire.AppendTag(nil, envSenderField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Sender))
	if e.Recipient != nil {
		b = protowire.AppendTag(b, envRecipientField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*e.Recipient))
	}
	if len(e.SenderKey) > 0 {
		b = protowire.AppendTag(b, envKeyField, protowire.BytesType)
		b = protowire.AppendBytes(b, e.SenderKey)
	}
	b = protowire.AppendTag(b, envPayloadField, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := new(Envelope)
	var sawSender, sawPayload bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr(n)
		}
		b = b[n:]
		switch {
		case num == envSenderField && typ == protowire.VarintType,
			num == envRecipientField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			if v > uint64(^uint32(0)) {
				return nil, fmt.Errorf("%w: position %d out of range", ErrMalformed, v)
			}
			if num == envSenderField {
				e.Sender = uint32(v)
				sawSender = true
			} else {
				r := uint32(v)
				e.Recipient = &r
			}
			b = b[n:]
		case num == envKeyField && typ == protowire.BytesType,
			num == envPayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			// copy out, the input buffer belongs to the transport
			cp := append([]byte(nil), v...)
			if num == envKeyField {
				e.SenderKey = cp
			} else {
				e.Payload = cp
				sawPayload = true
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireErr(n)
			}
			b = b[n:]
		}
	}
	if !sawSender || !sawPayload {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrMalformed)
	}
	return e, nil
}

func wireErr(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}
