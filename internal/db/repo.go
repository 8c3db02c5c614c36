package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Repo adapts the package's free functions to syncengine.Repository, so
// cmd/mailsyncd can hand the daemon a single value instead of a pool plus
// five function references.
type Repo struct {
	Pool *pgxpool.Pool
}

// NewRepo wraps pool.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{Pool: pool}
}

func (r *Repo) LoadUser(ctx context.Context, userID string) (*models.User, error) {
	return LoadUser(ctx, r.Pool, userID)
}

func (r *Repo) UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error {
	return UpdateLastLoginAt(ctx, r.Pool, userID, at)
}

func (r *Repo) UpdateUIDValidity(ctx context.Context, userID, newValidity string) error {
	return UpdateUIDValidity(ctx, r.Pool, userID, newValidity)
}

func (r *Repo) UpdateLastUID(ctx context.Context, userID string, uid int64) error {
	return UpdateLastUID(ctx, r.Pool, userID, uid)
}

func (r *Repo) ClearLastUID(ctx context.Context, userID string) error {
	return ClearLastUID(ctx, r.Pool, userID)
}
