package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnsureIdentityGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	currentPath := filepath.Join(dir, "identity.pem")
	oldPath := filepath.Join(dir, "identity_old.pem")

	first, err := EnsureIdentity(currentPath, oldPath)
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	if first.Current == nil {
		t.Fatalf("expected a current key")
	}
	if first.Old != nil {
		t.Fatalf("expected no old key before rotation")
	}

	info, err := os.Stat(currentPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	second, err := EnsureIdentity(currentPath, oldPath)
	if err != nil {
		t.Fatalf("EnsureIdentity reload failed: %v", err)
	}
	if !bytes.Equal(first.Current.Bytes(), second.Current.Bytes()) {
		t.Fatalf("expected reload to return the same key")
	}
}

func TestRotateKeepsOldKeyUntilExpiry(t *testing.T) {
	dir := t.TempDir()
	currentPath := filepath.Join(dir, "identity.pem")
	oldPath := filepath.Join(dir, "identity_old.pem")

	original, err := EnsureIdentity(currentPath, oldPath)
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rotated, err := Rotate(currentPath, oldPath, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if bytes.Equal(rotated.Current.Bytes(), original.Current.Bytes()) {
		t.Fatalf("expected a new current key")
	}

	reloaded, err := EnsureIdentity(currentPath, oldPath)
	if err != nil {
		t.Fatalf("EnsureIdentity after rotate failed: %v", err)
	}
	if !bytes.Equal(reloaded.Old.Bytes(), original.Current.Bytes()) {
		t.Fatalf("expected old key to be the previous current key")
	}
	if !reloaded.OldExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", reloaded.OldExpiresAt)
	}

	if _, ok := reloaded.OldKey(now.Add(time.Hour)); !ok {
		t.Fatalf("expected old key to be valid before expiry")
	}
	if _, ok := reloaded.OldKey(now.Add(25 * time.Hour)); ok {
		t.Fatalf("expected old key to be rejected after expiry")
	}
}

func TestParsePublicKeyAcceptsTypePrefix(t *testing.T) {
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := key.PublicKey().Bytes()

	prefixed := append([]byte{0x05}, raw...)
	parsed, err := ParsePublicKey(prefixed)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !bytes.Equal(parsed.Bytes(), raw) {
		t.Fatalf("expected prefix to be dropped")
	}

	if _, err := ParsePublicKey(raw[:10]); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}

func TestFormatFingerprintGroupsCharacters(t *testing.T) {
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fingerprint := KeyFingerprint(key.PublicKey())
	if len(fingerprint) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(fingerprint))
	}

	formatted := FormatFingerprint(fingerprint)
	if strings.Count(formatted, " ") != 7 {
		t.Fatalf("expected 8 groups, got %q", formatted)
	}
	if formatted != strings.ToUpper(formatted) {
		t.Fatalf("expected uppercase fingerprint, got %q", formatted)
	}
}
