package service

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/vault/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) domain.Service {
	t.Helper()
	return NewWithKeys(map[int]string{1: "old-secret", 2: "current-secret"}, 2)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := testVault(t)
	inputs := [][]byte{
		[]byte("postgres://store:pw@db:5432/store_1?sslmode=disable"),
		[]byte("x"),
		bytes.Repeat([]byte{0xff, 0x00}, 512),
	}
	for _, plaintext := range inputs {
		envelope, err := svc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, 2, envelope.Version)
		assert.Len(t, envelope.IV, nonceSize)
		assert.Len(t, envelope.Tag, tagSize)
		assert.Len(t, envelope.Ciphertext, len(plaintext))

		got, err := svc.Decrypt(envelope)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	svc := testVault(t)
	seen := map[string]struct{}{}
	for i := 0; i < 64; i++ {
		envelope, err := svc.Encrypt([]byte("same secret"))
		require.NoError(t, err)
		_, dup := seen[string(envelope.IV)]
		require.False(t, dup, "iv reused")
		seen[string(envelope.IV)] = struct{}{}
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	svc := testVault(t)
	envelope, err := svc.Encrypt([]byte("postgres://store:pw@db/store"))
	require.NoError(t, err)

	for i := range envelope.Ciphertext {
		tampered := cloneEnvelope(envelope)
		tampered.Ciphertext[i] ^= 0x01
		_, err := svc.Decrypt(tampered)
		assert.ErrorIs(t, err, domain.ErrIntegrity, "ciphertext byte %d", i)
	}
	for i := range envelope.Tag {
		tampered := cloneEnvelope(envelope)
		tampered.Tag[i] ^= 0x80
		_, err := svc.Decrypt(tampered)
		assert.ErrorIs(t, err, domain.ErrIntegrity, "tag byte %d", i)
	}

	tampered := cloneEnvelope(envelope)
	tampered.IV[0] ^= 0x01
	_, err = svc.Decrypt(tampered)
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	tampered = cloneEnvelope(envelope)
	tampered.Tag = tampered.Tag[:8]
	_, err = svc.Decrypt(tampered)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestDecryptWithWrongKeyFailsClosed(t *testing.T) {
	sealer := NewWithKeys(map[int]string{1: "secret-a"}, 1)
	opener := NewWithKeys(map[int]string{1: "secret-b"}, 1)

	envelope, err := sealer.Encrypt([]byte("payload"))
	require.NoError(t, err)

	plaintext, err := opener.Decrypt(envelope)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Nil(t, plaintext)
}

func TestDecryptRelabeledVersionFails(t *testing.T) {
	svc := NewWithKeys(map[int]string{1: "same", 2: "same"}, 1)
	envelope, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	envelope.Version = 2
	_, err = svc.Decrypt(envelope)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestOlderKeyVersionStillDecrypts(t *testing.T) {
	old := NewWithKeys(map[int]string{1: "old-secret"}, 1)
	envelope, err := old.Encrypt([]byte("legacy"))
	require.NoError(t, err)

	got, err := testVault(t).Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), got)
}

func TestMissingKeys(t *testing.T) {
	svc := NewWithKeys(nil, 1)
	_, err := svc.Encrypt([]byte("payload"))
	assert.ErrorIs(t, err, domain.ErrKeyMissing)

	_, err = testVault(t).Decrypt(domain.Envelope{Version: 9, IV: make([]byte, nonceSize), Tag: make([]byte, tagSize), Ciphertext: []byte{1}})
	assert.ErrorIs(t, err, domain.ErrKeyMissing)

	_, err = testVault(t).Decrypt(domain.Envelope{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedVersion)

	_, err = testVault(t).Encrypt(nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPlaintext)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestEncryptFailsWhenRandomFails(t *testing.T) {
	svc := newService(config.VaultConfig{Keys: map[int]string{1: "k"}, ActiveVersion: 1}, failingReader{})
	_, err := svc.Encrypt([]byte("payload"))
	assert.Error(t, err)

	svc.random = rand.Reader
	_, err = svc.Encrypt([]byte("payload"))
	assert.NoError(t, err)
}

func cloneEnvelope(e domain.Envelope) domain.Envelope {
	return domain.Envelope{
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		IV:         append([]byte(nil), e.IV...),
		Tag:        append([]byte(nil), e.Tag...),
		Version:    e.Version,
	}
}
