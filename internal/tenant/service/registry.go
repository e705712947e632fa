package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RegistryParams struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Registry struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewRegistry(p RegistryParams) domain.Registry {
	return &Registry{
		db:   p.DB,
		log:  p.Log.Named("tenant.registry"),
		repo: p.Repo,
	}
}

func (r *Registry) LookupByHostname(ctx context.Context, hostname string) (snowflake.ID, error) {
	hostname = domain.NormalizeHostname(hostname)
	if hostname == "" {
		return 0, domain.ErrInvalidHostname
	}
	storeID, err := r.repo.FindStoreIDByHostname(ctx, r.db, hostname)
	if err != nil {
		return 0, fmt.Errorf("lookup hostname: %w", err)
	}
	if storeID == 0 {
		return 0, domain.ErrNotFound
	}
	return storeID, nil
}

func (r *Registry) LookupByID(ctx context.Context, storeID snowflake.ID) (*domain.Entry, error) {
	if storeID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	store, err := r.repo.FindStore(ctx, r.db, storeID)
	if err != nil {
		return nil, fmt.Errorf("lookup store: %w", err)
	}
	if store == nil {
		return nil, domain.ErrNotFound
	}

	entry := &domain.Entry{
		StoreID:   store.ID,
		IsActive:  store.IsActive,
		Published: store.Published,
	}
	credential, err := r.repo.FindCredential(ctx, r.db, storeID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if credential != nil {
		entry.Credential = credential.Envelope()
	}
	return entry, nil
}

func (r *Registry) ListPublished(ctx context.Context) ([]domain.Store, error) {
	return r.repo.ListPublished(ctx, r.db)
}

func (r *Registry) GetStore(ctx context.Context, storeID snowflake.ID) (*domain.Store, error) {
	if storeID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	store, err := r.repo.FindStore(ctx, r.db, storeID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, domain.ErrNotFound
	}
	return store, nil
}
