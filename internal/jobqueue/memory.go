package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	keys map[string]string
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		keys: make(map[string]string),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Insert(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[j.Key]; ok {
		return ErrDuplicateKey
	}
	cp := *j
	m.jobs[j.ID] = &cp
	m.keys[j.Key] = j.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := make(map[string]bool)
	var due []*Job
	for _, j := range m.jobs {
		switch {
		case j.Status == StatusRunning:
			busy[j.IntegrationID] = true
		case j.Status == StatusPending && !j.RunAt.After(now):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].ID < due[b].ID
	})
	var out []Job
	for _, j := range due {
		if len(out) >= limit {
			break
		}
		if busy[j.IntegrationID] {
			continue
		}
		busy[j.IntegrationID] = true
		j.Status = StatusRunning
		j.Attempts++
		j.UpdatedAt = m.now()
		out = append(out, *j)
	}
	return out, nil
}

func (m *MemoryStore) transition(id string, from Status, fn func(j *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return ErrNotFound
	}
	fn(j)
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id string) error {
	return m.transition(id, StatusRunning, func(j *Job) {
		j.Status = StatusCompleted
		j.LastError = ""
	})
}

func (m *MemoryStore) Retry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	return m.transition(id, StatusRunning, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt
		j.LastError = lastErr
	})
}

func (m *MemoryStore) Fail(_ context.Context, id string, lastErr string) error {
	return m.transition(id, StatusRunning, func(j *Job) {
		j.Status = StatusFailed
		j.LastError = lastErr
	})
}

func (m *MemoryStore) CancelPending(_ context.Context, integrationID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.IntegrationID == integrationID && j.Status == StatusPending {
			j.Status = StatusCancelled
			j.UpdatedAt = m.now()
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *MemoryStore) Pending(_ context.Context, integrationID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.IntegrationID == integrationID && j.Status == StatusPending {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunAt.Before(out[b].RunAt) })
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			delete(m.keys, j.Key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Requeue(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			j.Status = StatusPending
			n++
		}
	}
	return n, nil
}
