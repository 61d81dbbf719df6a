package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"meetra/pkg/domain"
)

// MemoryStore keeps records in-process. It backs local development and the
// orchestrator tests and honours the same atomicity rules as GormStore.
type MemoryStore struct {
	mu        sync.RWMutex
	resumes   map[string]domain.ResumeDocument
	profiles  map[string]domain.ExtractedProfile
	pointers  map[string]domain.ActiveResumePointer
	overrides map[string]map[string]domain.ProfileOverride // user -> field
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resumes:   make(map[string]domain.ResumeDocument),
		profiles:  make(map[string]domain.ExtractedProfile),
		pointers:  make(map[string]domain.ActiveResumePointer),
		overrides: make(map[string]map[string]domain.ProfileOverride),
	}
}

func (m *MemoryStore) CreateResume(_ context.Context, doc domain.ResumeDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resumes[doc.ID]; exists {
		return ErrDuplicateInFlight
	}
	if _, found := m.inFlightLocked(doc.OwnerID, doc.SHA256); found {
		return ErrDuplicateInFlight
	}
	m.resumes[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetResume(_ context.Context, id string) (domain.ResumeDocument, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.resumes[id]
	return doc, ok, nil
}

// ListResumesByOwner returns the owner's uploads, newest first.
func (m *MemoryStore) ListResumesByOwner(_ context.Context, ownerID string, limit int) ([]domain.ResumeDocument, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	res := make([]domain.ResumeDocument, 0)
	for _, doc := range m.resumes {
		if doc.OwnerID == ownerID {
			res = append(res, doc)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) FindInFlightBySHA(_ context.Context, ownerID, sha256 string) (domain.ResumeDocument, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.inFlightLocked(ownerID, sha256)
	return doc, ok, nil
}

func (m *MemoryStore) inFlightLocked(ownerID, sha256 string) (domain.ResumeDocument, bool) {
	for _, doc := range m.resumes {
		if doc.OwnerID == ownerID && doc.SHA256 == sha256 && !doc.State.Terminal() {
			return doc, true
		}
	}
	return domain.ResumeDocument{}, false
}

func (m *MemoryStore) Transition(_ context.Context, id string, from domain.ResumeState, t Transition) (domain.ResumeDocument, error) {
	if err := checkTransition(from, t); err != nil {
		return domain.ResumeDocument{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.resumes[id]
	if !ok {
		return domain.ResumeDocument{}, ErrNotFound
	}
	if doc.State != from {
		return domain.ResumeDocument{}, ErrStaleState
	}
	doc.State = t.To
	if t.To == domain.StateFailed {
		doc.ErrorCode = t.ErrorCode
		doc.ErrorMessage = t.ErrorMessage
	}
	if t.TextRef != nil {
		doc.TextRef = *t.TextRef
	}
	if t.ScanAttempts != nil {
		doc.ScanAttempts = *t.ScanAttempts
	}
	if t.ParseAttempts != nil {
		doc.ParseAttempts = *t.ParseAttempts
	}
	doc.UpdatedAt = time.Now().UTC()
	m.resumes[id] = doc
	return doc, nil
}

func (m *MemoryStore) CommitParsed(_ context.Context, id string, commit ParsedCommit) (domain.ResumeDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.resumes[id]
	if !ok {
		return domain.ResumeDocument{}, ErrNotFound
	}
	if doc.State != domain.StateParsing {
		return domain.ResumeDocument{}, ErrStaleState
	}
	parsedAt := commit.ParsedAt.UTC()
	confidence := commit.Confidence
	doc.State = domain.StateParsed
	doc.ResultRef = commit.Profile.ID
	doc.ParseConfidence = &confidence
	doc.ParsedAt = &parsedAt
	doc.UpdatedAt = time.Now().UTC()
	m.profiles[commit.Profile.ID] = commit.Profile
	m.resumes[id] = doc
	return doc, nil
}

func (m *MemoryStore) GetProfile(_ context.Context, id string) (domain.ExtractedProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok, nil
}

// UpdateActivePointer moves the pointer unless it already references a
// resume submitted later.
func (m *MemoryStore) UpdateActivePointer(_ context.Context, ptr domain.ActiveResumePointer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.pointers[ptr.UserID]
	if ok && ptr.SubmittedAt.Before(current.SubmittedAt) {
		return false, nil
	}
	ptr.UpdatedAt = time.Now().UTC()
	m.pointers[ptr.UserID] = ptr
	return true, nil
}

func (m *MemoryStore) GetActivePointer(_ context.Context, userID string) (domain.ActiveResumePointer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, ok := m.pointers[userID]
	return ptr, ok, nil
}

func (m *MemoryStore) SaveOverride(_ context.Context, o domain.ProfileOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byField, ok := m.overrides[o.UserID]
	if !ok {
		byField = make(map[string]domain.ProfileOverride)
		m.overrides[o.UserID] = byField
	}
	byField[o.Field] = o
	return nil
}

func (m *MemoryStore) ListOverrides(_ context.Context, userID string) ([]domain.ProfileOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ProfileOverride, 0, len(m.overrides[userID]))
	for _, o := range m.overrides[userID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}
