package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists image records. Every lookup is scoped by owner; a
// record of another owner is reported as ErrNotFound.
type Repository interface {
	Create(ctx context.Context, a *Asset) error
	Update(ctx context.Context, a *Asset) error
	GetByOwner(ctx context.Context, id, ownerID string) (*Asset, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Asset, error)
	Delete(ctx context.Context, id, ownerID string) error
	Exists(ctx context.Context, id, ownerID string) (bool, error)
	CountSince(ctx context.Context, ownerID string, since time.Time, completedOnly bool) (int, error)
}

// PGRepository is the PostgreSQL Repository.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a PGRepository with the given connection pool.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

const assetColumns = `id, user_id, original_filename, storage_key, processed_storage_key, public_url, status, created_at, updated_at`

func scanAsset(row pgx.Row, a *Asset) error {
	return row.Scan(&a.ID, &a.OwnerID, &a.OriginalFilename, &a.OriginalKey,
		&a.DerivedKey, &a.DeliveryURL, &a.Status, &a.CreatedAt, &a.UpdatedAt)
}

// Create inserts a and fills in its timestamps.
func (r *PGRepository) Create(ctx context.Context, a *Asset) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO images (id, user_id, original_filename, storage_key, processed_storage_key, public_url, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		a.ID, a.OwnerID, a.OriginalFilename, a.OriginalKey, a.DerivedKey, a.DeliveryURL, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

// Update writes the mutable fields of a.
func (r *PGRepository) Update(ctx context.Context, a *Asset) error {
	err := r.db.QueryRow(ctx,
		`UPDATE images
		 SET processed_storage_key = $3, public_url = $4, status = $5, updated_at = now()
		 WHERE id = $1 AND user_id = $2
		 RETURNING updated_at`,
		a.ID, a.OwnerID, a.DerivedKey, a.DeliveryURL, a.Status,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	return nil
}

// GetByOwner fetches one of ownerID's images.
func (r *PGRepository) GetByOwner(ctx context.Context, id, ownerID string) (*Asset, error) {
	a := &Asset{}
	err := scanAsset(r.db.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM images WHERE id = $1 AND user_id = $2`,
		id, ownerID,
	), a)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return a, nil
}

// ListByOwner returns ownerID's images, newest first.
func (r *PGRepository) ListByOwner(ctx context.Context, ownerID string) ([]Asset, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+assetColumns+` FROM images WHERE user_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	assets := []Asset{}
	for rows.Next() {
		var a Asset
		if err := scanAsset(rows, &a); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return assets, nil
}

// Delete removes one of ownerID's images.
func (r *PGRepository) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE id = $1 AND user_id = $2`, id, ownerID)
	if isInvalidText(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether ownerID has a record with id.
func (r *PGRepository) Exists(ctx context.Context, id, ownerID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM images WHERE id = $1 AND user_id = $2)`,
		id, ownerID,
	).Scan(&exists)
	if isInvalidText(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check image exists: %w", err)
	}
	return exists, nil
}

// CountSince implements quota.Counter over created_at.
func (r *PGRepository) CountSince(ctx context.Context, ownerID string, since time.Time, completedOnly bool) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM images
		 WHERE user_id = $1 AND created_at >= $2 AND (NOT $3 OR status = 'completed')`,
		ownerID, since, completedOnly,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return n, nil
}

// isInvalidText checks for invalid_text_representation (code 22P02), raised
// when an id is not a valid uuid.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
