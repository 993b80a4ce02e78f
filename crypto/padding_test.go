package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 159, 160, 161, 500} {
		plaintext := bytes.Repeat([]byte{0x41}, size)
		padded := Pad(plaintext)
		if len(padded)%paddingBlockSize != 0 {
			t.Fatalf("size %d: padded length %d is not block aligned", size, len(padded))
		}
		if len(padded) <= size {
			t.Fatalf("size %d: padded length %d leaves no room for terminator", size, len(padded))
		}

		got, err := Unpad(padded)
		if err != nil {
			t.Fatalf("size %d: Unpad failed: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestUnpadKeepsTrailingZerosBeforeMarker(t *testing.T) {
	plaintext := []byte{0x01, 0x00, 0x00}
	got, err := Unpad(Pad(plaintext))
	if err != nil {
		t.Fatalf("Unpad failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("expected %v, got %v", plaintext, got)
	}
}

func TestUnpadRejectsMissingMarker(t *testing.T) {
	for _, padded := range [][]byte{nil, {0x00, 0x00}, {0x41, 0x42}} {
		if _, err := Unpad(padded); !errors.Is(err, ErrBadPadding) {
			t.Fatalf("expected ErrBadPadding for %v, got %v", padded, err)
		}
	}
}
