package history

import (
	"sync"
	"time"

	"github.com/voocel/agentrun/schema"
)

// MemoryStore is the reference in-memory Store. It is safe for concurrent
// use and suitable for tests and single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	byAgent    map[string][]string
	sequence   uint64
	maxEntries int
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxEntries caps the number of entries kept per agent; the oldest
// entries are evicted when the cap is exceeded. Zero means unlimited.
func WithMaxEntries(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.maxEntries = n }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		byAgent: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEntry implements Store.
func (s *MemoryStore) AddEntry(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return ErrDuplicateEntry
	}

	s.sequence++
	stored := cloneEntry(entry)
	stored.Sequence = s.sequence
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.entries[stored.ID] = stored
	s.byAgent[stored.AgentID] = append(s.byAgent[stored.AgentID], stored.ID)
	entry.Sequence = stored.Sequence
	entry.CreatedAt = stored.CreatedAt
	entry.UpdatedAt = stored.UpdatedAt

	if s.maxEntries > 0 {
		ids := s.byAgent[stored.AgentID]
		for len(ids) > s.maxEntries {
			evicted := ids[0]
			ids = ids[1:]
			delete(s.entries, evicted)
		}
		s.byAgent[stored.AgentID] = ids
	}
	return nil
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

// UpdateEntry implements Store.
func (s *MemoryStore) UpdateEntry(id string, update EntryUpdate) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Status != nil {
		entry.Status = *update.Status
	}
	if update.Output != nil {
		entry.Output = *update.Output
	}
	if update.Usage != nil {
		usage := *update.Usage
		entry.Usage = &usage
	}
	s.sequence++
	entry.Sequence = s.sequence
	entry.UpdatedAt = time.Now()
	return cloneEntry(entry), nil
}

// AppendStep implements Store.
func (s *MemoryStore) AppendStep(id string, steps ...Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	for _, step := range steps {
		if step.Timestamp.IsZero() {
			step.Timestamp = time.Now()
		}
		entry.Steps = append(entry.Steps, step)
	}
	entry.UpdatedAt = time.Now()
	return nil
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(id string, event TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	entry.Events = append(entry.Events, event)
	entry.UpdatedAt = time.Now()
	return nil
}

// UpdateTrackedEvent implements Store. The first event matching by ID, or
// failing that by Data[TrackedEventKey], is updated; ties go to the earliest.
func (s *MemoryStore) UpdateTrackedEvent(id string, eventID string, update EventUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}

	idx := -1
	for i := range entry.Events {
		if entry.Events[i].ID == eventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := range entry.Events {
			if tracked, ok := entry.Events[i].Data[TrackedEventKey].(string); ok && tracked == eventID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	ev := &entry.Events[idx]
	if update.Status != "" {
		ev.Status = update.Status
	}
	if len(update.Data) > 0 {
		if ev.Data == nil {
			ev.Data = make(map[string]interface{}, len(update.Data))
		}
		for k, v := range update.Data {
			ev.Data[k] = v
		}
	}
	ev.UpdatedAt = time.Now()
	entry.UpdatedAt = ev.UpdatedAt
	return nil
}

// EntriesFor implements Store.
func (s *MemoryStore) EntriesFor(agentID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAgent[agentID]
	result := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.entries[id]; ok {
			result = append(result, cloneEntry(entry))
		}
	}
	return result, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byAgent[agentID] {
		delete(s.entries, id)
	}
	delete(s.byAgent, agentID)
	return nil
}

func cloneEntry(e *Entry) *Entry {
	clone := *e
	clone.InputMessages = append([]schema.Message(nil), e.InputMessages...)
	if e.Usage != nil {
		usage := *e.Usage
		clone.Usage = &usage
	}
	clone.Steps = append([]Step(nil), e.Steps...)
	clone.Events = make([]TimelineEvent, len(e.Events))
	for i, ev := range e.Events {
		clone.Events[i] = ev
		if ev.Data != nil {
			data := make(map[string]interface{}, len(ev.Data))
			for k, v := range ev.Data {
				data[k] = v
			}
			clone.Events[i].Data = data
		}
	}
	if e.UserContext != nil {
		uc := make(map[string]interface{}, len(e.UserContext))
		for k, v := range e.UserContext {
			uc[k] = v
		}
		clone.UserContext = uc
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
