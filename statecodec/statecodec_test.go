package statecodec_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/redrive/statecodec"
)

func sampleState() map[string]any {
	return map[string]any{
		"current_step": int64(6),
		"total_steps":  int64(10),
		"portal_url":   "https://portal.example.test/invoices",
		"amount":       statecodec.Decimal{Unscaled: "129999", Exp: -2},
		"started_at":   time.Date(2026, 8, 30, 9, 15, 0, 123456789, time.UTC),
		"dom_hash":     []byte{0xde, 0xad, 0xbe, 0xef},
		"flags": map[string]any{
			"headless": true,
			"stealth":  false,
			"retries":  nil,
		},
		"visited": []any{
			"login", "dashboard", "upload",
			map[string]any{"step": int64(3), "ok": true},
		},
		"score": 0.875,
	}
}

func TestRoundTrip(t *testing.T) {
	for _, comp := range []statecodec.Compression{statecodec.None, statecodec.Gzip, statecodec.Zlib} {
		t.Run(string(comp), func(t *testing.T) {
			state := sampleState()

			payload, sum, err := statecodec.Encode(state, comp)
			if err != nil {
				t.Fatal(err)
			}

			got, err := statecodec.Decode(payload, comp, sum)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, any(state)) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, state)
			}
		})
	}
}

func TestCanonicalEncoding(t *testing.T) {
	// Same logical map built in different insertion orders must encode to
	// identical bytes.
	a := map[string]any{}
	a["alpha"] = int64(1)
	a["beta"] = int64(2)
	a["gamma"] = "x"

	b := map[string]any{}
	b["gamma"] = "x"
	b["beta"] = int64(2)
	b["alpha"] = int64(1)

	pa, sa, err := statecodec.Encode(a, statecodec.None)
	if err != nil {
		t.Fatal(err)
	}
	pb, sb, err := statecodec.Encode(b, statecodec.None)
	if err != nil {
		t.Fatal(err)
	}
	if sa != sb {
		t.Fatalf("checksums differ: %s vs %s", sa, sb)
	}
	if !reflect.DeepEqual(pa, pb) {
		t.Fatal("payloads differ for identical logical state")
	}
}

func TestChecksumMismatch(t *testing.T) {
	payload, sum, err := statecodec.Encode(sampleState(), statecodec.Gzip)
	if err != nil {
		t.Fatal(err)
	}

	// Flip a single byte anywhere in the payload.
	for _, i := range []int{0, len(payload) / 2, len(payload) - 1} {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01

		_, err := statecodec.Decode(tampered, statecodec.Gzip, sum)
		var ierr *statecodec.IntegrityError
		if !errors.As(err, &ierr) {
			t.Fatalf("byte %d: got %v, want IntegrityError", i, err)
		}
	}
}

func TestTruncatedStream(t *testing.T) {
	payload, _, err := statecodec.Encode(sampleState(), statecodec.None)
	if err != nil {
		t.Fatal(err)
	}

	truncated := payload[:len(payload)-3]
	_, err = statecodec.Decode(truncated, statecodec.None, statecodec.Checksum(truncated))
	var ierr *statecodec.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("got %v, want IntegrityError", err)
	}
}

func TestUnknownTag(t *testing.T) {
	raw := []byte{0x7f}
	_, err := statecodec.Decode(raw, statecodec.None, statecodec.Checksum(raw))
	var ierr *statecodec.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("got %v, want IntegrityError", err)
	}
}

func TestUnsupportedType(t *testing.T) {
	_, _, err := statecodec.Encode(map[string]any{"ch": make(chan int)}, statecodec.None)
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestIntWidening(t *testing.T) {
	payload, sum, err := statecodec.Encode(map[string]any{"n": 42}, statecodec.None)
	if err != nil {
		t.Fatal(err)
	}
	got, err := statecodec.Decode(payload, statecodec.None, sum)
	if err != nil {
		t.Fatal(err)
	}
	m := got.(map[string]any)
	if m["n"] != int64(42) {
		t.Fatalf("got %#v, want int64(42)", m["n"])
	}
}
