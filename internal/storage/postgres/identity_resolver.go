package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// IdentityResolver ищет внутренний id пользователя по subject токена в таблице users.
type IdentityResolver struct {
	db *sql.DB
}

// NewIdentityResolver создаёт resolver поверх открытого подключения.
func NewIdentityResolver(store *Store) *IdentityResolver {
	return &IdentityResolver{db: store.DB()}
}

// ResolveInternalID возвращает id или ErrIdentityNotFound.
func (r *IdentityResolver) ResolveInternalID(ctx context.Context, principal domain.Principal) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM users WHERE external_id = $1`, principal.Subject).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: subject %q", domain.ErrIdentityNotFound, principal.Subject)
		}
		return 0, mapStoreError("resolve identity", err)
	}
	return id, nil
}

// Register сохраняет сопоставление subject → id (используется при провижининге и в тестах).
func (r *IdentityResolver) Register(ctx context.Context, subject string, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (external_id) DO UPDATE SET id = EXCLUDED.id
	`, userID, subject)
	if err != nil {
		return mapStoreError("register identity", err)
	}
	return nil
}

var _ domain.IdentityResolver = (*IdentityResolver)(nil)
