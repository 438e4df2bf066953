// Package pingproto implements the ping envelope exchanged with browsers over
// the unreliable DataChannel.
//
// Envelopes are small JSON objects:
//
//	{"i": <int64>, "time": <uint64>}
//
// "i" is the peer-chosen sequence index the relay records; "time" is an opaque
// peer timestamp that the relay only echoes back.
package pingproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxPayload matches the datagram budget used for DataChannel payloads
// elsewhere in the relay. Ping envelopes are a few dozen bytes.
const DefaultMaxPayload = 1200

var (
	ErrNotText      = errors.New("pingproto: payload is not valid utf-8")
	ErrTooLarge     = errors.New("pingproto: payload too large")
	ErrMalformed    = errors.New("pingproto: malformed envelope")
	ErrMissingIndex = errors.New("pingproto: missing \"i\" field")
	ErrMissingTime  = errors.New("pingproto: missing \"time\" field")
)

// Envelope is one ping sample.
type Envelope struct {
	Index int64  `json:"i"`
	Time  uint64 `json:"time"`
}

type wireEnvelope struct {
	Index *int64  `json:"i"`
	Time  *uint64 `json:"time"`
}

// Codec validates and encodes/decodes envelopes.
type Codec struct {
	// MaxPayload is the maximum accepted payload size in bytes.
	MaxPayload int
}

var DefaultCodec = Codec{MaxPayload: DefaultMaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload <= 0 {
		return Codec{}, fmt.Errorf("pingproto: max payload must be > 0")
	}
	return Codec{MaxPayload: maxPayload}, nil
}

func Decode(b []byte) (Envelope, error) {
	return DefaultCodec.Decode(b)
}

func Encode(e Envelope) ([]byte, error) {
	return DefaultCodec.Encode(e)
}

// Decode parses an inbound envelope. Unknown fields are ignored so clients can
// attach their own bookkeeping; "i" must be an integer and "time" a
// non-negative integer.
func (c Codec) Decode(b []byte) (Envelope, error) {
	if len(b) > c.MaxPayload {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.MaxPayload)
	}
	if !utf8.Valid(b) {
		return Envelope{}, ErrNotText
	}

	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if w.Index == nil {
		return Envelope{}, ErrMissingIndex
	}
	if w.Time == nil {
		return Envelope{}, ErrMissingTime
	}
	return Envelope{Index: *w.Index, Time: *w.Time}, nil
}

func (c Codec) Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(b) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), c.MaxPayload)
	}
	return b, nil
}
