package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OverrideStore is the persistence boundary for per-user overrides. The
// engine depends only on these four operations; the storage technology
// behind them is not part of the core.
type OverrideStore interface {
	// ActiveOverrides returns overrides for userID that have not expired as
	// of the store's clock. Callers still re-check expiry defensively.
	ActiveOverrides(ctx context.Context, userID string) ([]Override, error)
	InsertOverride(ctx context.Context, ov Override) (Override, error)
	// DeleteOverride removes an override and returns the affected user id.
	DeleteOverride(ctx context.Context, id string) (string, error)
	// DeleteExpired purges rows that lapsed before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Repository provides PostgreSQL backed persistence for overrides.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const overrideColumns = `id, user_id, resource, operation, granted, created_at, created_by, expires_at, role, conditions`

// ActiveOverrides returns non-expired overrides for a user.
func (r *Repository) ActiveOverrides(ctx context.Context, userID string) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+`
		FROM permission_overrides
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, storeErr("fetch overrides", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return nil, storeErr("scan override", err)
		}
		overrides = append(overrides, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("fetch overrides", err)
	}
	return overrides, nil
}

// InsertOverride persists a new override row.
func (r *Repository) InsertOverride(ctx context.Context, ov Override) (Override, error) {
	conditions, err := marshalConditions(ov.Conditions)
	if err != nil {
		return Override{}, fmt.Errorf("permissions: encode conditions: %w", err)
	}
	var role *string
	if ov.Role != nil {
		s := string(*ov.Role)
		role = &s
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO permission_overrides
		(id, user_id, resource, operation, granted, created_at, created_by, expires_at, role, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+overrideColumns, ov.ID, ov.UserID, ov.Resource, ov.Operation, ov.Granted,
		ov.CreatedAt, ov.CreatedBy, ov.ExpiresAt, role, conditions)
	created, err := scanOverride(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Override{}, fmt.Errorf("permissions: duplicate override id %s", ov.ID)
		}
		return Override{}, storeErr("insert override", err)
	}
	return created, nil
}

// DeleteOverride removes an override and reports which user it belonged to.
func (r *Repository) DeleteOverride(ctx context.Context, id string) (string, error) {
	var userID string
	err := r.pool.QueryRow(ctx, `DELETE FROM permission_overrides WHERE id = $1 RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
		}
		return "", storeErr("delete override", err)
	}
	return userID, nil
}

// DeleteExpired purges override rows that lapsed before the cutoff.
func (r *Repository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_overrides WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, storeErr("purge overrides", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (Override, error) {
	var (
		ov         Override
		role       *string
		conditions []byte
	)
	if err := row.Scan(&ov.ID, &ov.UserID, &ov.Resource, &ov.Operation, &ov.Granted,
		&ov.CreatedAt, &ov.CreatedBy, &ov.ExpiresAt, &role, &conditions); err != nil {
		return Override{}, err
	}
	if role != nil {
		r := Role(*role)
		ov.Role = &r
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &ov.Conditions); err != nil {
			return Override{}, err
		}
	}
	return ov, nil
}

func marshalConditions(conditions map[string]any) ([]byte, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	return json.Marshal(conditions)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
