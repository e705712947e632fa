package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindStoreIDByHostname(ctx context.Context, db *gorm.DB, hostname string) (snowflake.ID, error) {
	var row struct {
		StoreID snowflake.ID
	}
	err := db.WithContext(ctx).Raw(
		`SELECT store_id
		 FROM store_hostnames
		 WHERE hostname = ?
		 LIMIT 1`,
		hostname,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.StoreID, nil
}

func (r *repo) FindStore(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*domain.Store, error) {
	var item domain.Store
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, slug, is_active, published, created_at, updated_at
		 FROM stores
		 WHERE id = ?
		 LIMIT 1`,
		storeID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindCredential(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*domain.StoreCredential, error) {
	var item domain.StoreCredential
	err := db.WithContext(ctx).Raw(
		`SELECT store_id, ciphertext, iv, auth_tag, algorithm_version, created_at, rotated_at
		 FROM store_credentials
		 WHERE store_id = ?
		 LIMIT 1`,
		storeID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.StoreID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListPublished(ctx context.Context, db *gorm.DB) ([]domain.Store, error) {
	var items []domain.Store
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, slug, is_active, published, created_at, updated_at
		 FROM stores
		 WHERE published = ? AND is_active = ?
		 ORDER BY id`,
		true,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertStore(ctx context.Context, db *gorm.DB, store *domain.Store) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO stores (id, name, slug, is_active, published, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		store.ID,
		store.Name,
		store.Slug,
		store.IsActive,
		store.Published,
		store.CreatedAt,
		store.UpdatedAt,
	).Error
}

func (r *repo) InsertHostname(ctx context.Context, db *gorm.DB, hostname *domain.StoreHostname) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO store_hostnames (id, store_id, hostname, created_at)
		 VALUES (?, ?, ?, ?)`,
		hostname.ID,
		hostname.StoreID,
		hostname.Hostname,
		hostname.CreatedAt,
	).Error
}

func (r *repo) UpsertCredential(ctx context.Context, db *gorm.DB, credential *domain.StoreCredential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO store_credentials (store_id, ciphertext, iv, auth_tag, algorithm_version, created_at, rotated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (store_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			auth_tag = excluded.auth_tag,
			algorithm_version = excluded.algorithm_version,
			rotated_at = excluded.rotated_at`,
		credential.StoreID,
		credential.Ciphertext,
		credential.IV,
		credential.AuthTag,
		credential.AlgorithmVersion,
		credential.CreatedAt,
		credential.RotatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, storeID snowflake.ID, isActive, published bool) error {
	return db.WithContext(ctx).Exec(
		`UPDATE stores
		 SET is_active = ?, published = ?, updated_at = ?
		 WHERE id = ?`,
		isActive,
		published,
		time.Now().UTC(),
		storeID,
	).Error
}
