package pingproto

import (
	"errors"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`{"i":1,"time":1000}`))
	f.Add([]byte(`{"i":1}`))
	f.Add([]byte{0xff, 0x00})

	classify := func(err error) string {
		switch {
		case err == nil:
			return "ok"
		case errors.Is(err, ErrNotText):
			return "not_text"
		case errors.Is(err, ErrTooLarge):
			return "too_large"
		case errors.Is(err, ErrMalformed):
			return "malformed"
		case errors.Is(err, ErrMissingIndex):
			return "missing_index"
		case errors.Is(err, ErrMissingTime):
			return "missing_time"
		default:
			return "other"
		}
	}

	f.Fuzz(func(t *testing.T, b []byte) {
		e1, err1 := Decode(b)
		e2, err2 := Decode(b)

		c1, c2 := classify(err1), classify(err2)
		if c1 == "other" || c2 == "other" {
			t.Fatalf("unexpected error types: err1=%v err2=%v", err1, err2)
		}
		if c1 != c2 || e1 != e2 {
			t.Fatalf("unstable decode: %v/%+v vs %v/%+v", err1, e1, err2, e2)
		}
		if c1 != "ok" {
			return
		}

		enc, err := Encode(e1)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", e1, err)
		}
		back, err := Decode(enc)
		if err != nil || back != e1 {
			t.Fatalf("re-decode: %+v, %v (want %+v)", back, err, e1)
		}
	})
}
