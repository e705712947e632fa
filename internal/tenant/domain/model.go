package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	vaultdomain "github.com/smallbiznis/storefront/internal/vault/domain"
)

// Store is one tenant's identity and activation state in the master registry.
type Store struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	Slug      string       `json:"slug" gorm:"type:text;not null;uniqueIndex"`
	IsActive  bool         `json:"is_active" gorm:"not null;default:true"`
	Published bool         `json:"published" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Store) TableName() string { return "stores" }

type StoreHostname struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	StoreID   snowflake.ID `json:"store_id" gorm:"not null;index"`
	Hostname  string       `json:"hostname" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (StoreHostname) TableName() string { return "store_hostnames" }

// StoreCredential holds the encrypted connection string; one live row per store.
type StoreCredential struct {
	StoreID          snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Ciphertext       []byte       `gorm:"not null"`
	IV               []byte       `gorm:"column:iv;not null"`
	AuthTag          []byte       `gorm:"not null"`
	AlgorithmVersion int          `gorm:"not null"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	RotatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (StoreCredential) TableName() string { return "store_credentials" }

func (c StoreCredential) Envelope() vaultdomain.Envelope {
	return vaultdomain.Envelope{
		Ciphertext: c.Ciphertext,
		IV:         c.IV,
		Tag:        c.AuthTag,
		Version:    c.AlgorithmVersion,
	}
}

// Entry is what the registry knows about one store.
type Entry struct {
	StoreID    snowflake.ID
	IsActive   bool
	Published  bool
	Credential vaultdomain.Envelope
}

// ProvisionRequest creates a store. DSN is the plaintext tenant connection string.
type ProvisionRequest struct {
	Name      string   `json:"name"`
	Slug      string   `json:"slug"`
	Hostnames []string `json:"hostnames"`
	DSN       string   `json:"dsn"`
	Published bool     `json:"published"`
}

// StatusUpdate flips activation flags; nil fields are left alone.
type StatusUpdate struct {
	IsActive  *bool `json:"is_active"`
	Published *bool `json:"published"`
}
