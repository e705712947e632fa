package domain

// Algorithm is the only cipher the vault produces.
const Algorithm = "aes-256-gcm"

// Envelope is an encrypted secret at rest. Version names the key that sealed it.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	Version    int
}

// Empty reports whether the envelope carries nothing to decrypt.
func (e Envelope) Empty() bool {
	return len(e.Ciphertext) == 0 && len(e.IV) == 0 && len(e.Tag) == 0
}
