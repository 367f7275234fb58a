package run

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a run id is not present in the store
var ErrNotFound = errors.New("run not found")

// DefaultCapacity is the number of run records kept before eviction
const DefaultCapacity = 50

// Store is a bounded in-memory container for run records. When the record
// count exceeds capacity the oldest-created records are evicted first. All
// operations are synchronous; returned records are clones, so a caller never
// observes a record mutating (or being evicted) under it.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*Record
	order    []string // ids in creation order, oldest first
	capacity int
	now      func() time.Time
	newID    func() string
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock injects the time source used for createdAt/updatedAt stamps
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator injects the run id generator
func WithIDGenerator(newID func() string) StoreOption {
	return func(s *Store) {
		s.newID = newID
	}
}

// NewStore creates a run store with the given capacity. A capacity of zero
// or less falls back to DefaultCapacity.
func NewStore(capacity int, opts ...StoreOption) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{
		runs:     make(map[string]*Record),
		capacity: capacity,
		now:      time.Now,
		newID:    func() string { return NewID("run") },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a new record for the request and inserts it. The record
// starts pending with empty progress and all optional fields unset. Inserting
// beyond capacity evicts the oldest-created records.
func (s *Store) Create(req Request) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &Record{
		ID:           s.newID(),
		ArtifactKind: req.ArtifactKind,
		Status:       StatusPending,
		Request:      req,
		CreatedAt:    now,
		UpdatedAt:    now,
		Progress:     []json.RawMessage{},
	}
	if req.Settings.ApprovalMode != "" {
		mode := req.Settings.ApprovalMode
		rec.ApprovalMode = &mode
	}

	s.runs[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.evictLocked()

	return rec.Clone()
}

// Get returns a clone of the record, or ErrNotFound
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Has reports whether a record with the given id is currently held
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[id]
	return ok
}

// List returns clones of all records, newest-created first
func (s *Store) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if rec, ok := s.runs[s.order[i]]; ok {
			records = append(records, rec.Clone())
		}
	}
	return records
}

// Len returns the number of records currently held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Update carries the fields of a partial record update. Nil fields are left
// untouched; ProgressAppend pushes one entry onto the progress sequence
// instead of replacing it. ClearError explicitly nulls the error field, which
// a plain nil cannot express.
type Update struct {
	Status         *Status
	Metadata       json.RawMessage
	Usage          *Usage
	Result         json.RawMessage
	Error          *string
	ClearError     bool
	Clarification  json.RawMessage
	Plan           json.RawMessage
	ApprovalURL    *string
	ApprovalMode   *string
	ProgressAppend json.RawMessage
}

// ApplyUpdate mutates the record in place with only the populated fields and
// refreshes updatedAt. The store serializes calls, so the mutation is atomic
// with respect to other operations. Terminal records are immutable: the
// update is dropped and the stored record returned unchanged.
func (s *Store) ApplyUpdate(id string, update Update) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec.Clone(), nil
	}

	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Metadata != nil {
		rec.Metadata = update.Metadata
	}
	if update.Usage != nil {
		usage := *update.Usage
		rec.Usage = &usage
	}
	if update.Result != nil {
		rec.Result = update.Result
	}
	if update.Error != nil {
		errStr := *update.Error
		rec.Error = &errStr
	} else if update.ClearError {
		rec.Error = nil
	}
	if update.Clarification != nil {
		rec.Clarification = update.Clarification
	}
	if update.Plan != nil {
		rec.Plan = update.Plan
	}
	if update.ApprovalURL != nil {
		url := *update.ApprovalURL
		rec.ApprovalURL = &url
	}
	if update.ApprovalMode != nil {
		mode := *update.ApprovalMode
		rec.ApprovalMode = &mode
	}
	if update.ProgressAppend != nil {
		rec.Progress = append(rec.Progress, update.ProgressAppend)
	}

	rec.UpdatedAt = s.now()

	return rec.Clone(), nil
}

// evictLocked drops oldest-created records until the store is at capacity.
// Caller must hold the write lock.
func (s *Store) evictLocked() {
	for len(s.runs) > s.capacity && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
}
