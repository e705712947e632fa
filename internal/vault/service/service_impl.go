package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	hkdfInfo  = "storefront/credential-vault/v"
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Service struct {
	log    *zap.Logger
	keys   map[int][]byte
	active int
	random io.Reader
}

func New(p Params) domain.Service {
	svc := newService(p.Cfg.Vault, rand.Reader)
	svc.log = p.Log.Named("vault.service")
	if _, ok := svc.keys[svc.active]; !ok {
		svc.log.Warn("vault.active_key.missing",
			zap.Int("active_version", svc.active),
			zap.Int("configured_keys", len(svc.keys)),
		)
	}
	return svc
}

// NewWithKeys builds a vault from an explicit key ring.
func NewWithKeys(keys map[int]string, active int) domain.Service {
	svc := newService(config.VaultConfig{Keys: keys, ActiveVersion: active}, rand.Reader)
	svc.log = zap.NewNop()
	return svc
}

func newService(cfg config.VaultConfig, random io.Reader) *Service {
	keys := make(map[int][]byte, len(cfg.Keys))
	for version, secret := range cfg.Keys {
		secret = strings.TrimSpace(secret)
		if version <= 0 || secret == "" {
			continue
		}
		keys[version] = deriveKey(secret, version)
	}
	return &Service{
		keys:   keys,
		active: cfg.ActiveVersion,
		random: random,
	}
}

func deriveKey(secret string, version int) []byte {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo+strconv.Itoa(version)))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		// hkdf only fails past 255*HashLen bytes of output.
		panic(err)
	}
	return key
}

func (s *Service) ActiveVersion() int {
	return s.active
}

func (s *Service) Encrypt(plaintext []byte) (domain.Envelope, error) {
	if len(plaintext) == 0 {
		return domain.Envelope{}, domain.ErrEmptyPlaintext
	}
	gcm, err := s.aead(s.active)
	if err != nil {
		return domain.Envelope{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return domain.Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, additionalData(s.active))
	split := len(sealed) - tagSize
	return domain.Envelope{
		Ciphertext: sealed[:split:split],
		IV:         nonce,
		Tag:        sealed[split:],
		Version:    s.active,
	}, nil
}

func (s *Service) Decrypt(envelope domain.Envelope) ([]byte, error) {
	gcm, err := s.aead(envelope.Version)
	if err != nil {
		return nil, err
	}
	if len(envelope.IV) != nonceSize || len(envelope.Tag) != tagSize || len(envelope.Ciphertext) == 0 {
		return nil, domain.ErrIntegrity
	}

	sealed := make([]byte, 0, len(envelope.Ciphertext)+tagSize)
	sealed = append(sealed, envelope.Ciphertext...)
	sealed = append(sealed, envelope.Tag...)

	plaintext, err := gcm.Open(nil, envelope.IV, sealed, additionalData(envelope.Version))
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	return plaintext, nil
}

func (s *Service) aead(version int) (cipher.AEAD, error) {
	if version <= 0 {
		return nil, domain.ErrUnsupportedVersion
	}
	key, ok := s.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", domain.ErrKeyMissing, version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// The key version is bound into the tag so an envelope cannot be relabeled.
func additionalData(version int) []byte {
	return []byte(domain.Algorithm + ":" + strconv.Itoa(version))
}
