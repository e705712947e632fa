package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Registry answers tenant lookups against the master database. It never caches.
type Registry interface {
	LookupByHostname(ctx context.Context, hostname string) (snowflake.ID, error)
	LookupByID(ctx context.Context, storeID snowflake.ID) (*Entry, error)
	ListPublished(ctx context.Context) ([]Store, error)
	GetStore(ctx context.Context, storeID snowflake.ID) (*Store, error)
}

// Provisioner creates stores and rotates their credentials.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Store, error)
	RotateCredential(ctx context.Context, storeID snowflake.ID, dsn string) error
	SetStatus(ctx context.Context, storeID snowflake.ID, update StatusUpdate) (*Store, error)
}

// Invalidator drops cached connections after a credential or status change.
type Invalidator interface {
	Invalidate(ctx context.Context, storeID snowflake.ID) error
}

type Repository interface {
	FindStoreIDByHostname(ctx context.Context, db *gorm.DB, hostname string) (snowflake.ID, error)
	FindStore(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*Store, error)
	FindCredential(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*StoreCredential, error)
	ListPublished(ctx context.Context, db *gorm.DB) ([]Store, error)
	InsertStore(ctx context.Context, db *gorm.DB, store *Store) error
	InsertHostname(ctx context.Context, db *gorm.DB, hostname *StoreHostname) error
	UpsertCredential(ctx context.Context, db *gorm.DB, credential *StoreCredential) error
	UpdateStatus(ctx context.Context, db *gorm.DB, storeID snowflake.ID, isActive, published bool) error
}

var (
	// ErrUnknownTenant means no active store answers to the identifier.
	ErrUnknownTenant      = errors.New("unknown_tenant")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidStoreID     = errors.New("invalid_store_id")
	ErrInvalidHostname    = errors.New("invalid_hostname")
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidDSN         = errors.New("invalid_dsn")
	ErrHostnameTaken      = errors.New("hostname_taken")
	ErrSlugTaken          = errors.New("slug_taken")
	ErrCredentialNotFound = errors.New("credential_not_found")
)
