package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

const (
	identityPEMType  = "X25519 PRIVATE KEY"
	expiresAtHeader  = "Expires-At"
	identityKeyBytes = 32
)

var x25519Curve = ecdh.X25519()

// Identity holds the current identity key and, after a rotation, the previous
// key together with the time it stops being accepted.
type Identity struct {
	Current      *ecdh.PrivateKey
	Old          *ecdh.PrivateKey
	OldExpiresAt time.Time
}

// CurrentKey returns the key new envelopes are sealed to.
func (id *Identity) CurrentKey() *ecdh.PrivateKey {
	return id.Current
}

// OldKey returns the previous identity key if it is still valid at now.
func (id *Identity) OldKey(now time.Time) (*ecdh.PrivateKey, bool) {
	if id.Old == nil {
		return nil, false
	}
	if !id.OldExpiresAt.IsZero() && !now.Before(id.OldExpiresAt) {
		return nil, false
	}
	return id.Old, true
}

// EnsureIdentity loads the identity keys from disk, generating the current key
// if absent. A missing old key is not an error.
func EnsureIdentity(currentPath, oldPath string) (*Identity, error) {
	current, _, err := loadIdentityKey(currentPath)
	if errors.Is(err, fs.ErrNotExist) {
		current, err = GenerateX25519PrivateKey()
		if err != nil {
			return nil, err
		}
		if err := saveIdentityKey(currentPath, current, time.Time{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	id := &Identity{Current: current}
	if oldPath == "" {
		return id, nil
	}
	old, expiresAt, err := loadIdentityKey(oldPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		id.Old = old
		id.OldExpiresAt = expiresAt
	}
	return id, nil
}

// Rotate moves the current key to oldPath with an expiry of now+grace and
// writes a freshly generated current key.
func Rotate(currentPath, oldPath string, grace time.Duration, now time.Time) (*Identity, error) {
	if oldPath == "" {
		return nil, errors.New("old key path is required")
	}
	if grace <= 0 {
		return nil, fmt.Errorf("invalid rotation grace period %s", grace)
	}

	current, _, err := loadIdentityKey(currentPath)
	if err != nil {
		return nil, err
	}
	next, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(grace).UTC().Truncate(time.Second)
	if err := saveIdentityKey(oldPath, current, expiresAt); err != nil {
		return nil, err
	}
	if err := saveIdentityKey(currentPath, next, time.Time{}); err != nil {
		return nil, err
	}

	return &Identity{Current: next, Old: current, OldExpiresAt: expiresAt}, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParsePublicKey parses a sender identity key. A 33-byte key with the 0x05
// type prefix is accepted as well as the raw 32 bytes.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) == identityKeyBytes+1 && raw[0] == 0x05 {
		raw = raw[1:]
	}
	if len(raw) != identityKeyBytes {
		return nil, fmt.Errorf("invalid identity key size %d", len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return publicKey, nil
}

func loadIdentityKey(path string) (*ecdh.PrivateKey, time.Time, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, time.Time{}, fmt.Errorf("decode identity PEM: no PEM block")
	}
	if block.Type != identityPEMType {
		return nil, time.Time{}, fmt.Errorf("decode identity PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != identityKeyBytes {
		return nil, time.Time{}, fmt.Errorf("decode identity PEM: invalid private key size %d", len(block.Bytes))
	}

	var expiresAt time.Time
	if v := block.Headers[expiresAtHeader]; v != "" {
		expiresAt, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decode identity PEM: bad %s header: %w", expiresAtHeader, err)
		}
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse identity key: %w", err)
	}
	return privateKey, expiresAt, nil
}

// saveIdentityKey writes the key PEM with 0600 permissions.
func saveIdentityKey(path string, key *ecdh.PrivateKey, expiresAt time.Time) error {
	block := &pem.Block{
		Type:  identityPEMType,
		Bytes: key.Bytes(),
	}
	if !expiresAt.IsZero() {
		block.Headers = map[string]string{expiresAtHeader: expiresAt.UTC().Format(time.RFC3339)}
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// KeyFingerprint returns a stable hex fingerprint for a public key.
func KeyFingerprint(publicKey *ecdh.PublicKey) string {
	sum := sha256.Sum256(publicKey.Bytes())
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}
