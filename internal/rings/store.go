package rings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveResult counts the outcome of SaveAll.
type SaveResult struct {
	Inserted []*domain.FraudRing `json:"inserted"`
	Skipped  int                 `json:"skipped"`
}

// Store persists rings, skipping candidates already covered by an active
// ring. Saves are serialized in process; across processes the store relies
// on the conditional insert of the underlying RingStore.
type Store struct {
	repo   domain.RingStore
	prefix int
	mu     sync.Mutex
}

// NewStore wraps repo. prefix is the number of leading sorted entities two
// rings must share to be considered the same ring.
func NewStore(repo domain.RingStore, prefix int) *Store {
	if prefix <= 0 {
		prefix = 3
	}
	return &Store{repo: repo, prefix: prefix}
}

// Load returns the tenant's rings, newest first. An empty status lists all.
func (s *Store) Load(ctx context.Context, tenantID string, status domain.RingStatus) ([]*domain.FraudRing, error) {
	return s.repo.ListFraudRings(ctx, tenantID, status)
}

// Save inserts ring unless an active ring already covers it.
func (s *Store) Save(ctx context.Context, tenantID string, ring *domain.FraudRing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.repo.ListFraudRings(ctx, tenantID, domain.RingActive)
	if err != nil {
		return false, fmt.Errorf("failed to load active rings: %w", err)
	}
	return s.save(ctx, tenantID, ring, active)
}

// SaveAll saves rings in order, loading the active set once.
func (s *Store) SaveAll(ctx context.Context, tenantID string, rings []*domain.FraudRing) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.repo.ListFraudRings(ctx, tenantID, domain.RingActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rings: %w", err)
	}

	result := &SaveResult{Inserted: []*domain.FraudRing{}}
	for _, ring := range rings {
		inserted, err := s.save(ctx, tenantID, ring, active)
		if err != nil {
			return result, err
		}
		if !inserted {
			result.Skipped++
			continue
		}
		result.Inserted = append(result.Inserted, ring)
		active = append(active, ring)
	}
	return result, nil
}

func (s *Store) save(ctx context.Context, tenantID string, ring *domain.FraudRing, active []*domain.FraudRing) (bool, error) {
	if existing := Covering(active, ring, s.prefix); existing != nil {
		slog.Debug("duplicate ring skipped",
			"tenant_id", tenantID,
			"existing_ring_id", existing.ID,
			"ring_type", ring.Type,
		)
		return false, nil
	}

	ring.TenantID = tenantID
	inserted, err := s.repo.InsertFraudRing(ctx, tenantID, ring, ring.DedupKey(s.prefix))
	if err != nil {
		return false, fmt.Errorf("failed to insert fraud ring: %w", err)
	}
	if !inserted {
		slog.Debug("duplicate ring rejected by store",
			"tenant_id", tenantID,
			"dedup_key", ring.DedupKey(s.prefix),
		)
	}
	return inserted, nil
}

// Covering returns the first active ring containing every one of the
// candidate's leading prefix entities, or nil.
func Covering(active []*domain.FraudRing, candidate *domain.FraudRing, prefix int) *domain.FraudRing {
	lead := domain.LeadingEntities(candidate.Entities, prefix)
	if len(lead) == 0 {
		return nil
	}
	for _, ring := range active {
		if ring.Status != domain.RingActive {
			continue
		}
		members := make(map[string]bool, len(ring.Entities))
		for _, id := range ring.Entities {
			members[id] = true
		}
		covered := true
		for _, id := range lead {
			if !members[id] {
				covered = false
				break
			}
		}
		if covered {
			return ring
		}
	}
	return nil
}
