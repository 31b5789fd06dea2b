package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

type rowKey struct {
	eventID  string
	platform domain.Platform
}

type arenaRow struct {
	row     domain.OutboxRow
	seq     uint64
	deleted bool
}

// MemoryOutbox is an in-process Outbox: an arena of rows plus an
// (eventID, platform) index. Used by tests and local harnesses.
type MemoryOutbox struct {
	mu    sync.Mutex
	arena []*arenaRow
	index map[rowKey]int
	seq   uint64
	now   func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{index: make(map[rowKey]int), now: time.Now}
}

// SetClock overrides the time source. Not safe to call concurrently with other methods.
func (m *MemoryOutbox) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryOutbox) lookup(eventID string, p domain.Platform) (*arenaRow, bool) {
	i, ok := m.index[rowKey{eventID, p}]
	if !ok {
		return nil, false
	}
	return m.arena[i], true
}

func (m *MemoryOutbox) UpsertPending(_ context.Context, eventID string, platform domain.Platform, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if r, ok := m.lookup(eventID, platform); ok {
		r.row.Status = domain.StatusPending
		r.row.RetryCount = 0
		r.row.LastError = nil
		r.row.PlatformResponse = nil
		r.row.Payload = clone(payload)
		r.row.UpdatedAt = now
		return nil
	}

	m.seq++
	m.arena = append(m.arena, &arenaRow{
		seq: m.seq,
		row: domain.OutboxRow{
			EventID:   eventID,
			Platform:  platform,
			Status:    domain.StatusPending,
			Payload:   clone(payload),
			CreatedAt: now,
			UpdatedAt: now,
		},
	})
	m.index[rowKey{eventID, platform}] = len(m.arena) - 1
	return nil
}

func (m *MemoryOutbox) FetchPending(ctx context.Context, limit int) ([]domain.PendingDelivery, error) {
	return m.FetchPendingFor(ctx, "", limit)
}

func (m *MemoryOutbox) FetchPendingFor(_ context.Context, platform domain.Platform, limit int) ([]domain.PendingDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	var pending []*arenaRow
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusPending {
			continue
		}
		if platform != "" && r.row.Platform != platform {
			continue
		}
		pending = append(pending, r)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.row.CreatedAt.Equal(b.row.CreatedAt) {
			return a.row.CreatedAt.Before(b.row.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]domain.PendingDelivery, 0, min(limit, len(pending)))
	now := m.now()
	for _, r := range pending {
		if len(out) == limit {
			break
		}
		ev, err := r.row.Event()
		if err != nil {
			r.row.RetryCount++
			msg := "decoding payload: " + err.Error()
			r.row.LastError = &msg
			r.row.LastAttemptedAt = &now
			continue
		}
		out = append(out, domain.PendingDelivery{
			Platform:   r.row.Platform,
			RetryCount: r.row.RetryCount,
			CreatedAt:  r.row.CreatedAt,
			Event:      ev,
		})
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, eventID string, platform domain.Platform, response json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(eventID, platform)
	if !ok {
		return domain.ErrRowNotFound
	}
	if r.row.Status != domain.StatusPending {
		return nil
	}
	now := m.now()
	r.row.Status = domain.StatusDelivered
	r.row.PlatformResponse = clone(response)
	r.row.LastAttemptedAt = &now
	r.row.UpdatedAt = now
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, eventID string, platform domain.Platform, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(eventID, platform)
	if !ok {
		return domain.ErrRowNotFound
	}
	if r.row.Status != domain.StatusPending {
		return nil
	}
	now := m.now()
	msg := clipError(errMsg)
	r.row.RetryCount++
	r.row.LastError = &msg
	r.row.LastAttemptedAt = &now
	r.row.UpdatedAt = now
	return nil
}

func (m *MemoryOutbox) MoveToDeadLetter(_ context.Context, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved int64
	now := m.now()
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusPending || r.row.RetryCount < maxRetries {
			continue
		}
		r.row.Status = domain.StatusDeadLetter
		r.row.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func (m *MemoryOutbox) CountByStatus(_ context.Context, platform domain.Platform) (domain.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts domain.StatusCounts
	for _, r := range m.arena {
		if r.deleted || (platform != "" && r.row.Platform != platform) {
			continue
		}
		counts.Add(r.row.Status, 1)
	}
	return counts, nil
}

func (m *MemoryOutbox) ReplayFailed(_ context.Context, platform domain.Platform) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusPending || (platform != "" && r.row.Platform != platform) {
			continue
		}
		if r.row.RetryCount == 0 && r.row.LastError == nil {
			continue
		}
		r.row.RetryCount = 0
		r.row.LastError = nil
		r.row.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryOutbox) ReplayDeadLetter(_ context.Context, platform domain.Platform) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusDeadLetter || (platform != "" && r.row.Platform != platform) {
			continue
		}
		r.row.Status = domain.StatusPending
		r.row.RetryCount = 0
		r.row.UpdatedAt = now
		n++
	}
	return n, nil
}

// PurgeDelivered tombstones delivered rows and compacts the arena.
func (m *MemoryOutbox) PurgeDelivered(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusDelivered || !r.row.UpdatedAt.Before(olderThan) {
			continue
		}
		r.deleted = true
		n++
	}
	if n > 0 {
		m.compact()
	}
	return n, nil
}

func (m *MemoryOutbox) compact() {
	kept := m.arena[:0]
	m.index = make(map[rowKey]int, len(m.arena))
	for _, r := range m.arena {
		if r.deleted {
			continue
		}
		m.index[rowKey{r.row.EventID, r.row.Platform}] = len(kept)
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.arena); i++ {
		m.arena[i] = nil
	}
	m.arena = kept
}

func (m *MemoryOutbox) ListDeadLetters(_ context.Context, platform domain.Platform, limit int) ([]domain.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.OutboxRow
	for _, r := range m.arena {
		if r.deleted || r.row.Status != domain.StatusDeadLetter || (platform != "" && r.row.Platform != platform) {
			continue
		}
		out = append(out, r.row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) GetRow(_ context.Context, eventID string, platform domain.Platform) (domain.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(eventID, platform)
	if !ok {
		return domain.OutboxRow{}, domain.ErrRowNotFound
	}
	return r.row, nil
}

// SetRetryCount forces a row's retry count. Test helper.
func (m *MemoryOutbox) SetRetryCount(eventID string, platform domain.Platform, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookup(eventID, platform)
	if ok {
		r.row.RetryCount = n
	}
	return ok
}

// MemoryCredentials is an in-process credential repository.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[rowKey]domain.PlatformAccountCredential
	now   func() time.Time
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: make(map[rowKey]domain.PlatformAccountCredential), now: time.Now}
}

func (m *MemoryCredentials) GetCredential(_ context.Context, platform domain.Platform, accountID string) (domain.PlatformAccountCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[rowKey{accountID, platform}]
	if !ok {
		return domain.PlatformAccountCredential{}, domain.ErrCredentialNotFound
	}
	return c, nil
}

func (m *MemoryCredentials) UpsertCredential(_ context.Context, platform domain.Platform, accountID string, update domain.CredentialUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rowKey{accountID, platform}
	c, ok := m.creds[k]
	if !ok {
		c = domain.PlatformAccountCredential{Platform: platform, AccountID: accountID}
	}
	if update.AccessToken != nil {
		c.AccessToken = *update.AccessToken
	}
	if update.RefreshToken != nil {
		c.RefreshToken = *update.RefreshToken
	}
	if update.ExpiresAt != nil {
		t := *update.ExpiresAt
		c.TokenExpiresAt = &t
	}
	c.UpdatedAt = m.now()
	m.creds[k] = c
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
