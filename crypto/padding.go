package crypto

import "errors"

const (
	paddingBlockSize = 160
	paddingMarker    = 0x80
)

// ErrBadPadding is returned when padded plaintext has no terminator.
var ErrBadPadding = errors.New("crypto: invalid padding")

// Pad appends a 0x80 terminator and zero fill up to the next block boundary.
func Pad(plaintext []byte) []byte {
	size := (len(plaintext)/paddingBlockSize + 1) * paddingBlockSize
	out := make([]byte, size)
	copy(out, plaintext)
	out[len(plaintext)] = paddingMarker
	return out
}

// Unpad strips trailing zeros and the terminator added by Pad.
func Unpad(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case paddingMarker:
			return padded[:i], nil
		default:
			return nil, ErrBadPadding
		}
	}
	return nil, ErrBadPadding
}
