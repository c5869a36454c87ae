// Package tcpwire implements the legacy raw TCP protocol spoken between
// devices, aggregators and servers.
//
// A device session opens with a three step handshake:
//
//	client: Liga      server: OK
//	client: ID:<id>   server: ACK
//
// An aggregator forwarding to a server skips it and sends frames right away.
// Both continue with lockstep exchanges, each answered exactly once:
//
//	client: <payload><|EOM|>   server: <|OK|> (device) or <|ACK|> (batch)
//	client: DLG                server: <|OK|>
//	client: Desliga            server: <|OK|>
//
// Control tokens are not delimited, so the reader resolves them against the
// kinds it expects at that point of the conversation.
package tcpwire

import (
	"errors"
	"fmt"
)

// Kind is the type of a protocol message
type Kind int

const (
	Hello Kind = iota + 1
	HelloOK
	Identify
	IdentifyAck
	Disconnect
	DisconnectAck
	Data
	DataAck
	ShutdownNotice
	ShutdownAck
	BatchAck
)

// EOM terminates data frames
const EOM = "<|EOM|>"

const (
	tokenHello       = "Liga"
	tokenHelloOK     = "OK"
	tokenIdentify    = "ID:"
	tokenIdentifyAck = "ACK"
	tokenDisconnect  = "DLG"
	tokenOK          = "<|OK|>"
	tokenShutdown    = "Desliga"
	tokenBatchAck    = "<|ACK|>"
)

var kindNames = map[Kind]string{
	Hello:          "Hello",
	HelloOK:        "HelloOK",
	Identify:       "Identify",
	IdentifyAck:    "IdentifyAck",
	Disconnect:     "Disconnect",
	DisconnectAck:  "DisconnectAck",
	Data:           "Data",
	DataAck:        "DataAck",
	ShutdownNotice: "ShutdownNotice",
	ShutdownAck:    "ShutdownAck",
	BatchAck:       "BatchAck",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// token returns the literal of a control kind; Identify returns its prefix
// and Data returns ""
func (k Kind) token() string {
	switch k {
	case Hello:
		return tokenHello
	case HelloOK:
		return tokenHelloOK
	case Identify:
		return tokenIdentify
	case IdentifyAck:
		return tokenIdentifyAck
	case Disconnect:
		return tokenDisconnect
	case DisconnectAck, DataAck, ShutdownAck:
		return tokenOK
	case ShutdownNotice:
		return tokenShutdown
	case BatchAck:
		return tokenBatchAck
	}
	return ""
}

var (
	// ErrUnexpectedMessage is returned when the peer sends something the
	// conversation does not allow at that point
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrRegionMismatch is returned when a peer identifies with another continent
	ErrRegionMismatch = errors.New("region mismatch")
	// ErrRejected is returned to a client whose handshake was refused
	ErrRejected = errors.New("handshake rejected")
	// ErrFrameTooLarge is returned when a frame exceeds the buffer limit
	ErrFrameTooLarge = errors.New("frame too large")
)

// Message is one protocol message
type Message struct {
	Kind Kind
	// ID is set for Identify
	ID string
	// Payload is set for Data
	Payload []byte
}

// Encode returns the wire form of m
func (m Message) Encode() []byte {
	switch m.Kind {
	case Identify:
		return []byte(tokenIdentify + m.ID)
	case Data:
		out := make([]byte, 0, len(m.Payload)+len(EOM))
		out = append(out, m.Payload...)
		return append(out, EOM...)
	default:
		return []byte(m.Kind.token())
	}
}
