package domain

import "errors"

// Service seals and opens tenant secrets with the process key ring.
type Service interface {
	Encrypt(plaintext []byte) (Envelope, error)
	Decrypt(envelope Envelope) ([]byte, error)
	ActiveVersion() int
}

var (
	// ErrIntegrity means the tag did not authenticate the ciphertext: tampering or the wrong key.
	ErrIntegrity          = errors.New("credential_integrity_failed")
	ErrKeyMissing         = errors.New("credential_key_missing")
	ErrUnsupportedVersion = errors.New("credential_version_unsupported")
	ErrEmptyPlaintext     = errors.New("credential_plaintext_empty")
)
