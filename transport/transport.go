// Package transport defines how coordination messages travel between the
// participants of a ceremony. Participants are addressed by their ordinal
// position; the envelope carrying the position, the optional recipient and
// the sender key is produced and checked by the implementation.
package transport

import (
	"context"
	"fmt"

	"github.com/dvsetup/dvsetup/common"
	"github.com/dvsetup/dvsetup/protocol"
)

// Transport delivers coordination messages. Receive blocks until the next
// envelope addressed to this participant arrives, and returns io.EOF once the
// transport is closed and drained.
type Transport interface {
	// Self is the ordinal position of the local participant.
	Self() uint32
	Send(ctx context.Context, to uint32, m protocol.Message) error
	Broadcast(ctx context.Context, m protocol.Message) error
	Receive(ctx context.Context) (*protocol.Envelope, error)
	Close() error
}

// Seal encodes m into an envelope from sender. A nil recipient broadcasts.
func Seal(sender uint32, recipient *uint32, key []byte, m protocol.Message) (*protocol.Envelope, error) {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &protocol.Envelope{
		Sender:    sender,
		Recipient: recipient,
		SenderKey: key,
		Payload:   payload,
	}, nil
}

// IOError marks err as a transport failure so callers can match it with
// errors.Is(err, common.ErrTransportIO).
func IOError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, common.ErrTransportIO, err)
}
