package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// IdentityResolver сопоставляет subject токена внутреннему id по статической таблице.
type IdentityResolver struct {
	mu       sync.RWMutex
	subjects map[string]int64
}

// NewIdentityResolver создаёт resolver с копией таблицы subject → user id.
func NewIdentityResolver(subjects map[string]int64) *IdentityResolver {
	copied := make(map[string]int64, len(subjects))
	for subject, id := range subjects {
		copied[subject] = id
	}
	return &IdentityResolver{subjects: copied}
}

// Register добавляет или заменяет сопоставление.
func (r *IdentityResolver) Register(subject string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects[subject] = userID
}

// ResolveInternalID возвращает внутренний id или ErrIdentityNotFound.
func (r *IdentityResolver) ResolveInternalID(_ context.Context, principal domain.Principal) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.subjects[principal.Subject]
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q", domain.ErrIdentityNotFound, principal.Subject)
	}
	return id, nil
}

var _ domain.IdentityResolver = (*IdentityResolver)(nil)
