package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/tenant/domain"
	vaultdomain "github.com/smallbiznis/storefront/internal/vault/domain"
	"github.com/smallbiznis/storefront/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProvisionerParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Cfg         config.Config
	Clock       clock.Clock
	Repo        domain.Repository
	Vault       vaultdomain.Service
	Invalidator domain.Invalidator `optional:"true"`
}

type Provisioner struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	baseDomain  string
	clock       clock.Clock
	repo        domain.Repository
	vault       vaultdomain.Service
	invalidator domain.Invalidator
}

func NewProvisioner(p ProvisionerParams) domain.Provisioner {
	return &Provisioner{
		db:          p.DB,
		log:         p.Log.Named("tenant.provisioner"),
		genID:       p.GenID,
		baseDomain:  strings.TrimSpace(p.Cfg.Tenant.BaseDomain),
		clock:       p.Clock,
		repo:        p.Repo,
		vault:       p.Vault,
		invalidator: p.Invalidator,
	}
}

// Provision writes the store, its hostnames, its sealed credential and a zero
// credit balance in one transaction.
func (p *Provisioner) Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.Store, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	dsn := strings.TrimSpace(req.DSN)
	if dsn == "" {
		return nil, domain.ErrInvalidDSN
	}
	if _, err := db.DialectForDSN(dsn); err != nil {
		return nil, domain.ErrInvalidDSN
	}

	storeSlug := slug.Make(strings.TrimSpace(req.Slug))
	if storeSlug == "" {
		storeSlug = slug.Make(name)
	}
	if storeSlug == "" {
		return nil, domain.ErrInvalidName
	}

	hostnames, err := p.hostnamesFor(storeSlug, req.Hostnames)
	if err != nil {
		return nil, err
	}

	envelope, err := p.vault.Encrypt([]byte(dsn))
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().UTC()
	store := &domain.Store{
		ID:        p.genID.Generate(),
		Name:      name,
		Slug:      storeSlug,
		IsActive:  true,
		Published: req.Published,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.repo.InsertStore(ctx, tx, store); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrSlugTaken
			}
			return err
		}
		for _, host := range hostnames {
			if err := p.repo.InsertHostname(ctx, tx, &domain.StoreHostname{
				ID:        p.genID.Generate(),
				StoreID:   store.ID,
				Hostname:  host,
				CreatedAt: now,
			}); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return domain.ErrHostnameTaken
				}
				return err
			}
		}
		if err := p.repo.UpsertCredential(ctx, tx, &domain.StoreCredential{
			StoreID:          store.ID,
			Ciphertext:       envelope.Ciphertext,
			IV:               envelope.IV,
			AuthTag:          envelope.Tag,
			AlgorithmVersion: envelope.Version,
			CreatedAt:        now,
			RotatedAt:        now,
		}); err != nil {
			return err
		}
		return tx.Exec(
			`INSERT INTO credit_balances (store_id, balance, updated_at) VALUES (?, 0, ?)`,
			store.ID,
			now,
		).Error
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("tenant.store.provisioned",
		zap.String("store_id", store.ID.String()),
		zap.String("slug", store.Slug),
		zap.Strings("hostnames", hostnames),
		zap.Int("key_version", envelope.Version),
	)
	return store, nil
}

// RotateCredential reseals the connection string with the active key and drops any cached handle.
func (p *Provisioner) RotateCredential(ctx context.Context, storeID snowflake.ID, dsn string) error {
	if storeID == 0 {
		return domain.ErrInvalidStoreID
	}
	dsn = strings.TrimSpace(dsn)
	if _, err := db.DialectForDSN(dsn); err != nil {
		return domain.ErrInvalidDSN
	}

	store, err := p.repo.FindStore(ctx, p.db, storeID)
	if err != nil {
		return err
	}
	if store == nil {
		return domain.ErrNotFound
	}

	envelope, err := p.vault.Encrypt([]byte(dsn))
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	if err := p.repo.UpsertCredential(ctx, p.db, &domain.StoreCredential{
		StoreID:          storeID,
		Ciphertext:       envelope.Ciphertext,
		IV:               envelope.IV,
		AuthTag:          envelope.Tag,
		AlgorithmVersion: envelope.Version,
		CreatedAt:        now,
		RotatedAt:        now,
	}); err != nil {
		return err
	}

	p.log.Info("tenant.credential.rotated",
		zap.String("store_id", storeID.String()),
		zap.Int("key_version", envelope.Version),
	)
	p.invalidate(ctx, storeID)
	return nil
}

func (p *Provisioner) SetStatus(ctx context.Context, storeID snowflake.ID, update domain.StatusUpdate) (*domain.Store, error) {
	if storeID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	store, err := p.repo.FindStore(ctx, p.db, storeID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, domain.ErrNotFound
	}

	wasActive := store.IsActive
	if update.IsActive != nil {
		store.IsActive = *update.IsActive
	}
	if update.Published != nil {
		store.Published = *update.Published
	}
	if err := p.repo.UpdateStatus(ctx, p.db, storeID, store.IsActive, store.Published); err != nil {
		return nil, err
	}

	p.log.Info("tenant.store.status_changed",
		zap.String("store_id", storeID.String()),
		zap.Bool("is_active", store.IsActive),
		zap.Bool("published", store.Published),
	)
	if wasActive && !store.IsActive {
		p.invalidate(ctx, storeID)
	}
	return store, nil
}

func (p *Provisioner) invalidate(ctx context.Context, storeID snowflake.ID) {
	if p.invalidator == nil {
		return
	}
	if err := p.invalidator.Invalidate(ctx, storeID); err != nil {
		p.log.Warn("tenant.invalidate.failed", zap.String("store_id", storeID.String()), zap.Error(err))
	}
}

func (p *Provisioner) hostnamesFor(storeSlug string, requested []string) ([]string, error) {
	seen := make(map[string]struct{}, len(requested)+1)
	out := make([]string, 0, len(requested)+1)
	add := func(host string) {
		if _, ok := seen[host]; ok {
			return
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}

	for _, raw := range requested {
		host := domain.NormalizeHostname(raw)
		if host == "" || strings.ContainsAny(host, "/ ") {
			return nil, domain.ErrInvalidHostname
		}
		add(host)
	}
	if p.baseDomain != "" {
		add(storeSlug + "." + strings.ToLower(p.baseDomain))
	}
	if len(out) == 0 {
		return nil, domain.ErrInvalidHostname
	}
	return out, nil
}
