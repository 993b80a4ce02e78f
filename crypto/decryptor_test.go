package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"msgpipe/models"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Identity{Current: key}
}

func sealedEnvelope(t *testing.T, id *Identity, content models.Content) models.Envelope {
	t.Helper()
	sealed, err := EncryptContent(id.Current.PublicKey(), content)
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}
	return models.Envelope{
		Type:         models.EnvelopeCiphertext,
		Source:       "+100",
		SourceDevice: 1,
		Timestamp:    1700000000000,
		Content:      sealed,
	}
}

func TestDecryptDataMessage(t *testing.T) {
	id := newTestIdentity(t)
	d := NewDecryptor(id, DecryptorOptions{Logger: zerolog.Nop()})

	env := sealedEnvelope(t, id, models.Content{DataMessage: &models.DataMessage{Body: "hello"}})
	got, err := d.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	data, ok := got.(*models.DecryptedData)
	if !ok {
		t.Fatalf("expected *DecryptedData, got %T", got)
	}
	if data.Data.Body != "hello" {
		t.Fatalf("unexpected body %q", data.Data.Body)
	}
	if data.Meta().MessageID != "17000000000001001" {
		t.Fatalf("unexpected message id %q", data.Meta().MessageID)
	}
	if data.Meta().Conversation != models.Account("+100") {
		t.Fatalf("unexpected conversation %v", data.Meta().Conversation)
	}
}

func TestDecryptFallsBackToUnexpiredOldKey(t *testing.T) {
	old := newTestIdentity(t)
	env := sealedEnvelope(t, old, models.Content{DataMessage: &models.DataMessage{Body: "before rotation"}})

	current, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1700000000, 0)
	rotated := &Identity{Current: current, Old: old.Current, OldExpiresAt: now.Add(time.Hour)}

	d := NewDecryptor(rotated, DecryptorOptions{Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	if _, err := d.Decrypt(env); err != nil {
		t.Fatalf("expected old key fallback to succeed, got %v", err)
	}

	expired := NewDecryptor(rotated, DecryptorOptions{Logger: zerolog.Nop(), Now: func() time.Time { return now.Add(2 * time.Hour) }})
	if _, err := expired.Decrypt(env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed with expired old key, got %v", err)
	}
}

func TestDecryptWithoutOldKeyFails(t *testing.T) {
	sender := newTestIdentity(t)
	env := sealedEnvelope(t, sender, models.Content{DataMessage: &models.DataMessage{Body: "x"}})

	d := NewDecryptor(newTestIdentity(t), DecryptorOptions{Logger: zerolog.Nop()})
	if _, err := d.Decrypt(env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptRejectsUnsupportedVersion(t *testing.T) {
	id := newTestIdentity(t)
	env := sealedEnvelope(t, id, models.Content{DataMessage: &models.DataMessage{Body: "x"}})
	env.Content[0] = 0x10 | (env.Content[0] & 0x0f)

	d := NewDecryptor(id, DecryptorOptions{Logger: zerolog.Nop()})
	if _, err := d.Decrypt(env); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecryptPlaintextReceiptUsesGroupFromReadPosition(t *testing.T) {
	d := NewDecryptor(newTestIdentity(t), DecryptorOptions{Logger: zerolog.Nop()})
	env := models.Envelope{
		Type:         models.EnvelopePlaintext,
		Source:       "+200",
		SourceDevice: 1,
		Timestamp:    5,
		Content:      []byte(`{"receipt_message":{"type":"read","read_position":{"group_id":"g1","read_at":1,"max_server_time":10}}}`),
	}

	got, err := d.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	receipt, ok := got.(*models.DecryptedReceipt)
	if !ok {
		t.Fatalf("expected *DecryptedReceipt, got %T", got)
	}
	if receipt.Meta().Conversation != models.Group("g1") {
		t.Fatalf("unexpected conversation %v", receipt.Meta().Conversation)
	}
	if receipt.Meta().SenderID != "+200" {
		t.Fatalf("unexpected sender %q", receipt.Meta().SenderID)
	}
}

func TestDecryptSyncReadIsReceiptFromSelf(t *testing.T) {
	d := NewDecryptor(newTestIdentity(t), DecryptorOptions{Logger: zerolog.Nop(), SelfID: "+me"})
	env := models.Envelope{
		Type:         models.EnvelopePlaintext,
		Source:       "+me",
		SourceDevice: 2,
		Timestamp:    7,
		Content:      []byte(`{"sync_message":{"read":{"sender":"+300","timestamp":3,"read_position":{"read_at":4,"max_server_time":9}}}}`),
	}

	got, err := d.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	receipt, ok := got.(*models.DecryptedReceipt)
	if !ok {
		t.Fatalf("expected *DecryptedReceipt, got %T", got)
	}
	if !receipt.FromSync || receipt.Meta().SenderID != "+me" {
		t.Fatalf("expected sync receipt from self, got %+v", receipt.Meta())
	}
	if receipt.Meta().Conversation != models.Account("+300") {
		t.Fatalf("unexpected conversation %v", receipt.Meta().Conversation)
	}
	if receipt.Receipt.ReadPosition.MaxServerTime != 9 {
		t.Fatalf("unexpected read position %+v", receipt.Receipt.ReadPosition)
	}
}

func TestDecryptNotify(t *testing.T) {
	d := NewDecryptor(newTestIdentity(t), DecryptorOptions{Logger: zerolog.Nop()})
	env := models.Envelope{
		Type:    models.EnvelopeNotify,
		Source:  "server",
		Content: []byte(`{"notify_type":3}`),
	}
	got, err := d.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	notify, ok := got.(*models.DecryptedNotify)
	if !ok || notify.Notify.NotifyType != 3 {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestDecryptUnknownType(t *testing.T) {
	d := NewDecryptor(newTestIdentity(t), DecryptorOptions{Logger: zerolog.Nop()})
	if _, err := d.Decrypt(models.Envelope{Type: "bogus"}); !errors.Is(err, ErrUnknownEnvelopeType) {
		t.Fatalf("expected ErrUnknownEnvelopeType, got %v", err)
	}
}
