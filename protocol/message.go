// Package protocol defines the messages exchanged while the leader collects
// identities and distributes the ceremony configuration.
//
//	+---------------------+          +---------------------+
//	|       Leader        |          |   Followers (N)     |
//	+---------------------+          +---------------------+
//	        |<------ Announce ----------------| (1) unicast on start
//	        |------- RequestIdentity -------->| (2) broadcast, once N announced
//	        |<------ SendIdentity(enr) -------| (3) reply
//	        |------- IdentityAck ------------>| (4) unicast
//	        |------- ConfigGenerated(cfg) --->| (5) broadcast, once N identities
//	        |<------ ConfigAck ---------------| (6) reply
//	        |------- ExchangeEnd ------------>| (7) broadcast, once N acks
package protocol

import "fmt"

// Kind tags the variant carried by a Message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAnnounce
	KindRequestIdentity
	KindSendIdentity
	KindIdentityAck
	KindConfigGenerated
	KindConfigAck
	KindExchangeEnd
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindAnnounce:        "announce",
	KindRequestIdentity: "request_identity",
	KindSendIdentity:    "send_identity",
	KindIdentityAck:     "identity_ack",
	KindConfigGenerated: "config_generated",
	KindConfigAck:       "config_ack",
	KindExchangeEnd:     "exchange_end",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the seven defined variants.
func (k Kind) Valid() bool {
	return k > KindUnknown && k <= KindExchangeEnd
}

// hasBody reports whether the variant carries a string.
func (k Kind) hasBody() bool {
	return k == KindSendIdentity || k == KindConfigGenerated
}

// Message is one coordination message. Body is only meaningful for
// SendIdentity (the identity) and ConfigGenerated (the serialized config).
type Message struct {
	Kind Kind
	Body string
}

func Announce() Message                    { return Message{Kind: KindAnnounce} }
func RequestIdentity() Message             { return Message{Kind: KindRequestIdentity} }
func SendIdentity(identity string) Message { return Message{Kind: KindSendIdentity, Body: identity} }
func IdentityAck() Message                 { return Message{Kind: KindIdentityAck} }
func ConfigGenerated(config string) Message {
	return Message{Kind: KindConfigGenerated, Body: config}
}
func ConfigAck() Message   { return Message{Kind: KindConfigAck} }
func ExchangeEnd() Message { return Message{Kind: KindExchangeEnd} }

// Identity returns the identity carried by a SendIdentity message.
func (m Message) Identity() (string, bool) {
	if m.Kind != KindSendIdentity {
		return "", false
	}
	return m.Body, true
}

// Config returns the configuration carried by a ConfigGenerated message.
func (m Message) Config() (string, bool) {
	if m.Kind != KindConfigGenerated {
		return "", false
	}
	return m.Body, true
}

func (m Message) String() string {
	if m.Kind.hasBody() {
		return fmt.Sprintf("%s(%d bytes)", m.Kind, len(m.Body))
	}
	return m.Kind.String()
}
