// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// PayloadSize is the size of the layered payload.
	PayloadSize = 512

	// PayloadTagLength is the number of zero bytes the final recipient
	// expects at the start of the decrypted payload.
	PayloadTagLength = 16

	lengthSize = 2

	// MaxMessageLength is the maximum length of an encoded Message.
	MaxMessageLength = PayloadSize - PayloadTagLength - lengthSize
)

var (
	// ErrMessageTooLarge is the error returned when a message does not
	// fit in a payload.
	ErrMessageTooLarge = errors.New("packet: message too large")

	// ErrInvalidPayload is the error returned when a decrypted payload
	// is not a valid message.
	ErrInvalidPayload = errors.New("packet: invalid payload")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

// Message is the plaintext carried to a packet's final recipient.
type Message struct {
	Text   string    `cbor:"1,keyasint"`
	SentAt time.Time `cbor:"2,keyasint"`
}

// Latency returns how long ago the message was sent.
func (m *Message) Latency() time.Duration {
	return time.Since(m.SentAt)
}

func (m *Message) encode(payload []byte) error {
	b, err := encMode.Marshal(m)
	if err != nil {
		return err
	}
	if len(b) > MaxMessageLength {
		return ErrMessageTooLarge
	}
	clear(payload)
	binary.BigEndian.PutUint16(payload[PayloadTagLength:], uint16(len(b)))
	copy(payload[PayloadTagLength+lengthSize:], b)
	return nil
}

func decodeMessage(payload []byte) (*Message, error) {
	for _, v := range payload[:PayloadTagLength] {
		if v != 0 {
			return nil, ErrInvalidPayload
		}
	}
	l := int(binary.BigEndian.Uint16(payload[PayloadTagLength:]))
	if l > MaxMessageLength {
		return nil, ErrInvalidPayload
	}
	b := payload[PayloadTagLength+lengthSize : PayloadTagLength+lengthSize+l]
	m := new(Message)
	if err := decMode.Unmarshal(b, m); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	return m, nil
}

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}
