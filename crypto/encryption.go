package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Ciphertext versions accepted by Open. The version lives in the high nibble
// of the first byte.
const (
	MinimumSupportedVersion = 2
	CurrentVersion          = 2
)

const hkdfInfo = "msgpipe envelope"

var (
	// ErrUnsupportedVersion is returned for ciphertext outside the supported
	// version range.
	ErrUnsupportedVersion = errors.New("crypto: unsupported ciphertext version")
	// ErrDataMismatch means the ciphertext did not authenticate under the key,
	// typically because it was sealed to a different identity.
	ErrDataMismatch = errors.New("crypto: decryption data mismatch")
	// ErrMalformed is returned for ciphertext that is too short to parse.
	ErrMalformed = errors.New("crypto: malformed ciphertext")
)

// Version returns the version nibble of sealed content.
func Version(content []byte) (int, error) {
	if len(content) == 0 {
		return 0, ErrMalformed
	}
	return int(content[0] >> 4), nil
}

// CheckVersion rejects content whose version is outside the supported range.
func CheckVersion(content []byte) error {
	version, err := Version(content)
	if err != nil {
		return err
	}
	if version < MinimumSupportedVersion || version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return nil
}

// Seal encrypts plaintext to recipient. The output is
// version || ephemeral public key || ChaCha20-Poly1305 ciphertext.
func Seal(recipient *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	key, nonce, err := deriveEnvelopeKey(shared, ephemeralPublic, recipient.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}

	header := []byte{byte(CurrentVersion << 4)}
	out := make([]byte, 0, 1+len(ephemeralPublic)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, ephemeralPublic...)
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Open decrypts content sealed to key. Authentication failures are reported
// as ErrDataMismatch so callers can retry with another key.
func Open(key *ecdh.PrivateKey, content []byte) ([]byte, error) {
	if err := CheckVersion(content); err != nil {
		return nil, err
	}
	if len(content) < 1+identityKeyBytes+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(content))
	}

	ephemeralPublic := content[1 : 1+identityKeyBytes]
	peer, err := x25519Curve.NewPublicKey(ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrMalformed, err)
	}
	shared, err := key.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataMismatch, err)
	}

	aeadKey, nonce, err := deriveEnvelopeKey(shared, ephemeralPublic, key.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, content[1+identityKeyBytes:], content[:1])
	if err != nil {
		return nil, ErrDataMismatch
	}
	return plaintext, nil
}

// deriveEnvelopeKey expands the shared secret into an AEAD key and nonce. The
// ephemeral key is single use, so a derived nonce never repeats for a key.
func deriveEnvelopeKey(shared, ephemeralPublic, recipientPublic []byte) (key, nonce []byte, err error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, nil, fmt.Errorf("derive envelope key: %w", err)
	}
	return material[:chacha20poly1305.KeySize], material[chacha20poly1305.KeySize:], nil
}
