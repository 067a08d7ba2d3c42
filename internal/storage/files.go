package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreforge/loreforge/internal/model"
)

// CreateFile inserts a file row in the uploading state.
func (db *DB) CreateFile(ctx context.Context, ownerID, key, name string, size int64) (model.File, error) {
	now := time.Now().UTC()
	f := model.File{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Key:       key,
		Name:      name,
		Size:      size,
		Status:    model.FileUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO files (id, owner_id, key, name, size, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.OwnerID, f.Key, f.Name, f.Size, string(f.Status), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return model.File{}, fmt.Errorf("storage: create file: %w", err)
	}
	return f, nil
}

// GetFile retrieves a file by ID, scoped to its owner.
func (db *DB) GetFile(ctx context.Context, ownerID string, id uuid.UUID) (model.File, error) {
	var f model.File
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, key, name, size, status, created_at, updated_at
		 FROM files WHERE id = $1 AND owner_id = $2`, id, ownerID,
	).Scan(&f.ID, &f.OwnerID, &f.Key, &f.Name, &f.Size, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.File{}, ErrNotFound
		}
		return model.File{}, fmt.Errorf("storage: get file: %w", err)
	}
	return f, nil
}

// GetFileByKey retrieves a file by its object-storage key, scoped to its owner.
func (db *DB) GetFileByKey(ctx context.Context, ownerID, key string) (model.File, error) {
	var f model.File
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, key, name, size, status, created_at, updated_at
		 FROM files WHERE owner_id = $1 AND key = $2`, ownerID, key,
	).Scan(&f.ID, &f.OwnerID, &f.Key, &f.Name, &f.Size, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.File{}, ErrNotFound
		}
		return model.File{}, fmt.Errorf("storage: get file by key: %w", err)
	}
	return f, nil
}

// ListFiles returns all files owned by a user, newest first.
func (db *DB) ListFiles(ctx context.Context, ownerID string) ([]model.File, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, key, name, size, status, created_at, updated_at
		 FROM files WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	defer rows.Close()

	var out []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Key, &f.Name, &f.Size, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFileStatus transitions a file's lifecycle state.
func (db *DB) UpdateFileStatus(ctx context.Context, ownerID string, id uuid.UUID, status model.FileStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE files SET status = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`,
		string(status), time.Now().UTC(), id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFileName renames a file.
func (db *DB) UpdateFileName(ctx context.Context, ownerID string, id uuid.UUID, name string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE files SET name = $1, updated_at = $2 WHERE id = $3 AND owner_id = $4`,
		name, time.Now().UTC(), id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: update file name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes a file row.
func (db *DB) DeleteFile(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM files WHERE id = $1 AND owner_id = $2`, id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
