package intel

import (
	"context"
	"sort"
	"sync"
	"time"

	"crisp.org/internal/ids"
)

// maxErrorLen bounds last_error so a huge stack trace cannot bloat the row.
const maxErrorLen = 500

// MemoryIndicators is an in-memory IndicatorRepository.
type MemoryIndicators struct {
	mu   sync.RWMutex
	byID map[string]*Indicator
	now  func() time.Time
}

var _ IndicatorRepository = (*MemoryIndicators)(nil)

func NewMemoryIndicators() *MemoryIndicators {
	return &MemoryIndicators{
		byID: make(map[string]*Indicator),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryIndicators) GetByStixID(ctx context.Context, stixID string) (*Indicator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ind := range m.byID {
		if ind.StixID == stixID {
			cp := *ind
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryIndicators) Create(ctx context.Context, ind *Indicator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ind.ID == "" {
		ind.ID = ids.New()
	}
	ind.CreatedAt = m.now()
	ind.UpdatedAt = ind.CreatedAt
	cp := *ind
	m.byID[ind.ID] = &cp
	return nil
}

func (m *MemoryIndicators) Update(ctx context.Context, ind *Indicator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[ind.ID]; !ok {
		return ErrNotFound
	}
	ind.UpdatedAt = m.now()
	cp := *ind
	m.byID[ind.ID] = &cp
	return nil
}

func (m *MemoryIndicators) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryIndicators) DeleteByRun(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, ind := range m.byID {
		if ind.RunID == runID {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndicators) ListByFeed(ctx context.Context, feedID string, limit int) ([]*Indicator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Indicator
	for _, ind := range m.byID {
		if feedID == "" || ind.FeedID == feedID {
			cp := *ind
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryTTPs is an in-memory TTPRepository.
type MemoryTTPs struct {
	mu   sync.RWMutex
	byID map[string]*TTP
	now  func() time.Time
}

var _ TTPRepository = (*MemoryTTPs)(nil)

func NewMemoryTTPs() *MemoryTTPs {
	return &MemoryTTPs{
		byID: make(map[string]*TTP),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryTTPs) GetByStixID(ctx context.Context, stixID string) (*TTP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ttp := range m.byID {
		if ttp.StixID == stixID {
			cp := *ttp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryTTPs) Create(ctx context.Context, ttp *TTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttp.ID == "" {
		ttp.ID = ids.New()
	}
	ttp.CreatedAt = m.now()
	ttp.UpdatedAt = ttp.CreatedAt
	cp := *ttp
	m.byID[ttp.ID] = &cp
	return nil
}

func (m *MemoryTTPs) Update(ctx context.Context, ttp *TTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[ttp.ID]; !ok {
		return ErrNotFound
	}
	ttp.UpdatedAt = m.now()
	cp := *ttp
	m.byID[ttp.ID] = &cp
	return nil
}

func (m *MemoryTTPs) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryTTPs) DeleteByRun(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, ttp := range m.byID {
		if ttp.RunID == runID {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryTTPs) ListByFeed(ctx context.Context, feedID string, limit int) ([]*TTP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TTP
	for _, ttp := range m.byID {
		if feedID == "" || ttp.FeedID == feedID {
			cp := *ttp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryFeeds is an in-memory FeedRepository.
type MemoryFeeds struct {
	mu   sync.Mutex
	byID map[string]*Feed
	now  func() time.Time
}

var _ FeedRepository = (*MemoryFeeds)(nil)

func NewMemoryFeeds() *MemoryFeeds {
	return &MemoryFeeds{
		byID: make(map[string]*Feed),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryFeeds) Find(ctx context.Context, id string) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryFeeds) Create(ctx context.Context, feed *Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if feed.ID == "" {
		feed.ID = ids.New()
	}
	if feed.Status == "" {
		feed.Status = StatusIdle
	}
	feed.CreatedAt = m.now()
	feed.UpdatedAt = feed.CreatedAt
	cp := *feed
	m.byID[feed.ID] = &cp
	return nil
}

func (m *MemoryFeeds) Update(ctx context.Context, feed *Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[feed.ID]; !ok {
		return ErrNotFound
	}
	feed.UpdatedAt = m.now()
	cp := *feed
	m.byID[feed.ID] = &cp
	return nil
}

func (m *MemoryFeeds) List(ctx context.Context) ([]*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Feed, 0, len(m.byID))
	for _, f := range m.byID {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryFeeds) BeginConsumption(ctx context.Context, feedID, taskID string) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return nil, ErrNotFound
	}
	if !f.CanStart() {
		return nil, ErrConsumptionActive
	}
	f.Status = StatusStarting
	f.CurrentTaskID = taskID
	f.UpdatedAt = m.now()
	cp := *f
	return &cp, nil
}

func (m *MemoryFeeds) MarkRunning(ctx context.Context, feedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return ErrNotFound
	}
	f.Status = StatusRunning
	f.UpdatedAt = m.now()
	return nil
}

func (m *MemoryFeeds) FinishConsumption(ctx context.Context, feedID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	f.Status = StatusIdle
	f.CurrentTaskID = ""
	f.LastSync = &t
	f.SyncCount++
	f.LastError = ""
	f.PausedAt = nil
	f.PauseMetadata = nil
	f.UpdatedAt = m.now()
	return nil
}

func (m *MemoryFeeds) MarkPaused(ctx context.Context, feedID string, at time.Time, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	f.Status = StatusPaused
	f.PausedAt = &t
	f.PauseMetadata = metadata
	f.UpdatedAt = m.now()
	return nil
}

func (m *MemoryFeeds) AbandonConsumption(ctx context.Context, feedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return ErrNotFound
	}
	f.Status = StatusIdle
	f.CurrentTaskID = ""
	f.PausedAt = nil
	f.PauseMetadata = nil
	f.UpdatedAt = m.now()
	return nil
}

func (m *MemoryFeeds) MarkError(ctx context.Context, feedID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[feedID]
	if !ok {
		return ErrNotFound
	}
	if len(message) > maxErrorLen {
		message = message[:maxErrorLen]
	}
	// The feed returns to idle rather than a terminal error state so the
	// next consumption attempt is not blocked.
	f.Status = StatusIdle
	f.CurrentTaskID = ""
	f.LastError = message
	f.UpdatedAt = m.now()
	return nil
}
