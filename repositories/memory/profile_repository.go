// Package memory provides in-process repository implementations used in
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

type profileStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*models.UserProfile
}

// ProfileRepository implements repositories.ProfileRepository over a map.
type ProfileRepository struct {
	store  *profileStore
	tx     *Transaction
	logger *zap.Logger
}

// NewProfileRepository creates an empty repository
func NewProfileRepository(logger *zap.Logger) *ProfileRepository {
	return &ProfileRepository{
		store:  &profileStore{profiles: make(map[uuid.UUID]*models.UserProfile)},
		logger: logger,
	}
}

func clone(p *models.UserProfile) *models.UserProfile {
	c := *p
	if p.AssignedManagerID != nil {
		id := *p.AssignedManagerID
		c.AssignedManagerID = &id
	}
	return &c
}

func (r *ProfileRepository) journal(fn func()) {
	if r.tx != nil {
		r.tx.record(fn)
	}
}

// Create inserts a copy of profile
func (r *ProfileRepository) Create(ctx context.Context, profile *models.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.profiles[profile.ID]; ok {
		return fmt.Errorf("profile %s: %w", profile.ID, repositories.ErrDuplicate)
	}
	for _, existing := range r.store.profiles {
		if existing.SubjectID == profile.SubjectID || strings.EqualFold(existing.Email, profile.Email) {
			return fmt.Errorf("profile for %s: %w", profile.Email, repositories.ErrDuplicate)
		}
	}

	r.store.profiles[profile.ID] = clone(profile)
	id := profile.ID
	r.journal(func() {
		r.store.mu.Lock()
		delete(r.store.profiles, id)
		r.store.mu.Unlock()
	})

	r.logger.Debug("profile created", zap.String("id", id.String()), zap.String("role", profile.Role))
	return nil
}

// GetByID retrieves a profile by ID
func (r *ProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	p, ok := r.store.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, repositories.ErrNotFound)
	}
	return clone(p), nil
}

// GetBySubject retrieves a profile by identity provider subject
func (r *ProfileRepository) GetBySubject(ctx context.Context, subjectID string) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, p := range r.store.profiles {
		if p.SubjectID == subjectID {
			return clone(p), nil
		}
	}
	return nil, fmt.Errorf("profile for subject %s: %w", subjectID, repositories.ErrNotFound)
}

// List returns matching profiles, oldest first
func (r *ProfileRepository) List(ctx context.Context, filter repositories.ProfileFilter) ([]*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.UserProfile
	for _, p := range r.store.profiles {
		if filter.Role != "" && p.Role != filter.Role {
			continue
		}
		if filter.ManagerID != nil && (p.AssignedManagerID == nil || *p.AssignedManagerID != *filter.ManagerID) {
			continue
		}
		if filter.Available != nil && p.Available != *filter.Available {
			continue
		}
		out = append(out, clone(p))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *ProfileRepository) update(ctx context.Context, id uuid.UUID, mutate func(p *models.UserProfile) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.profiles[id]
	if !ok {
		return fmt.Errorf("profile %s: %w", id, repositories.ErrNotFound)
	}
	before := clone(p)
	if err := mutate(p); err != nil {
		return err
	}
	r.journal(func() {
		r.store.mu.Lock()
		r.store.profiles[id] = before
		r.store.mu.Unlock()
	})
	return nil
}

// SetAvailability updates a driver's availability flag
func (r *ProfileRepository) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	return r.update(ctx, id, func(p *models.UserProfile) error {
		p.Available = available
		return nil
	})
}

// AssignManager links a driver to a manager
func (r *ProfileRepository) AssignManager(ctx context.Context, driverID, managerID uuid.UUID) error {
	return r.update(ctx, driverID, func(p *models.UserProfile) error {
		id := managerID
		p.AssignedManagerID = &id
		return nil
	})
}

// Delete removes a profile
func (r *ProfileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	p, ok := r.store.profiles[id]
	if !ok {
		return fmt.Errorf("profile %s: %w", id, repositories.ErrNotFound)
	}
	delete(r.store.profiles, id)
	r.journal(func() {
		r.store.mu.Lock()
		r.store.profiles[id] = p
		r.store.mu.Unlock()
	})
	return nil
}

// WithTx returns a repository whose writes are journaled in tx. Foreign
// transactions are ignored.
func (r *ProfileRepository) WithTx(tx repositories.Transaction) repositories.ProfileRepository {
	memTx, _ := tx.(*Transaction)
	return &ProfileRepository{store: r.store, tx: memTx, logger: r.logger}
}
