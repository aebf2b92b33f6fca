package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"crisp.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used in tests
// and single-node deployments without Postgres.
type InMemory struct {
	mu     sync.RWMutex
	levels map[string]*TrustLevel
	rels   map[string]*TrustRelationship
	groups map[string]*TrustGroup
	mships map[string][]TrustGroupMembership // groupID -> members
	logs   map[string]*TrustLog
	order  []string // log ids in append order
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty trust store.
func NewInMemory() *InMemory {
	return &InMemory{
		levels: make(map[string]*TrustLevel),
		rels:   make(map[string]*TrustRelationship),
		groups: make(map[string]*TrustGroup),
		mships: make(map[string][]TrustGroupMembership),
		logs:   make(map[string]*TrustLog),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Levels() LevelStore               { return (*memLevels)(s) }
func (s *InMemory) Relationships() RelationshipStore { return (*memRels)(s) }
func (s *InMemory) Groups() GroupStore               { return (*memGroups)(s) }
func (s *InMemory) Log() LogStore                    { return (*memLog)(s) }

// --- levels ---

type memLevels InMemory

func (s *memLevels) Create(ctx context.Context, level *TrustLevel) error {
	if err := level.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if level.ID == "" {
		level.ID = ids.New()
	}
	level.CreatedAt = s.now()
	level.UpdatedAt = level.CreatedAt
	level.IsActive = true
	cp := *level
	s.levels[level.ID] = &cp
	return nil
}

func (s *memLevels) Find(ctx context.Context, id string) (*TrustLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lvl, ok := s.levels[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lvl
	return &cp, nil
}

func (s *memLevels) FindByName(ctx context.Context, name string) (*TrustLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lvl := range s.levels {
		if lvl.Name == name {
			cp := *lvl
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memLevels) List(ctx context.Context) ([]*TrustLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TrustLevel, 0, len(s.levels))
	for _, lvl := range s.levels {
		cp := *lvl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericalValue > out[j].NumericalValue })
	return out, nil
}

func (s *memLevels) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl, ok := s.levels[id]
	if !ok {
		return ErrNotFound
	}
	lvl.IsActive = false
	lvl.UpdatedAt = s.now()
	return nil
}

func (s *memLevels) SetSystemDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.levels[id]
	if !ok {
		return ErrNotFound
	}
	for _, lvl := range s.levels {
		lvl.IsSystemDefault = false
	}
	target.IsSystemDefault = true
	target.UpdatedAt = s.now()
	return nil
}

func (s *memLevels) SystemDefault(ctx context.Context) (*TrustLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lvl := range s.levels {
		if lvl.IsSystemDefault && lvl.IsActive {
			cp := *lvl
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- relationships ---

type memRels InMemory

func (s *memRels) Create(ctx context.Context, rel *TrustRelationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel.ID == "" {
		rel.ID = ids.New()
	}
	if rel.Status == "" {
		rel.Status = StatusPending
	}
	rel.CreatedAt = s.now()
	rel.UpdatedAt = rel.CreatedAt
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = rel.CreatedAt
	}
	cp := *rel
	s.rels[rel.ID] = &cp
	return nil
}

func (s *memRels) Find(ctx context.Context, id string) (*TrustRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.rels[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

func (s *memRels) FindBetween(ctx context.Context, sourceOrg, targetOrg string) (*TrustRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rel := range s.rels {
		if rel.Status == StatusRevoked {
			continue
		}
		if rel.SourceOrg == sourceOrg && rel.TargetOrg == targetOrg {
			cp := *rel
			return &cp, nil
		}
		if rel.IsBilateral && rel.SourceOrg == targetOrg && rel.TargetOrg == sourceOrg {
			cp := *rel
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memRels) Update(ctx context.Context, rel *TrustRelationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rels[rel.ID]; !ok {
		return ErrNotFound
	}
	rel.UpdatedAt = s.now()
	cp := *rel
	s.rels[rel.ID] = &cp
	return nil
}

func (s *memRels) ListByOrg(ctx context.Context, org string) ([]*TrustRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TrustRelationship
	for _, rel := range s.rels {
		if rel.SourceOrg == org || rel.TargetOrg == org {
			cp := *rel
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- groups ---

type memGroups InMemory

func (s *memGroups) Create(ctx context.Context, group *TrustGroup) error {
	if group.Name == "" {
		return ErrNameRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if group.ID == "" {
		group.ID = ids.New()
	}
	group.CreatedAt = s.now()
	group.UpdatedAt = group.CreatedAt
	cp := *group
	s.groups[group.ID] = &cp
	return nil
}

func (s *memGroups) Find(ctx context.Context, id string) (*TrustGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memGroups) ListPublic(ctx context.Context) ([]*TrustGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TrustGroup
	for _, g := range s.groups {
		if g.IsPublic {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memGroups) AddMember(ctx context.Context, m TrustGroupMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[m.GroupID]; !ok {
		return ErrNotFound
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.now()
	}
	for _, existing := range s.mships[m.GroupID] {
		if existing.Organization == m.Organization {
			return nil // membership is idempotent
		}
	}
	s.mships[m.GroupID] = append(s.mships[m.GroupID], m)
	return nil
}

func (s *memGroups) Members(ctx context.Context, groupID string) ([]TrustGroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	return append([]TrustGroupMembership(nil), s.mships[groupID]...), nil
}

func (s *memGroups) Membership(ctx context.Context, groupID, org string) (*TrustGroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mships[groupID] {
		if m.Organization == org {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- log ---

type memLog InMemory

func (s *memLog) Append(ctx context.Context, entry *TrustLog) error {
	if entry.Action == "" {
		return ErrNameRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	entry.CreatedAt = s.now()
	cp := *entry
	s.logs[entry.ID] = &cp
	s.order = append(s.order, entry.ID)
	return nil
}

func (s *memLog) Find(ctx context.Context, id string) (*TrustLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memLog) List(ctx context.Context, org string, since time.Time) ([]*TrustLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TrustLog
	for _, id := range s.order {
		e := s.logs[id]
		if org != "" && e.SourceOrg != org {
			continue
		}
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Update always fails: the trust log is append-only.
func (s *memLog) Update(ctx context.Context, entry *TrustLog) error { return ErrImmutable }

// Delete always fails: the trust log is append-only.
func (s *memLog) Delete(ctx context.Context, id string) error { return ErrImmutable }
