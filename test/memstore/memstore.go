// Package memstore provides an in-memory implementation of the outbox event
// store, the run store and the flag source for tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/workflow"
	"github.com/google/uuid"
)

type txMarker struct{}

type lock struct {
	owner uuid.UUID
	until time.Time
}

type state struct {
	records map[int64]rbx.OutboxRecord
	runs    map[uuid.UUID]workflow.Run
	locks   map[string]lock
}

func (s state) clone() state {
	c := state{
		records: make(map[int64]rbx.OutboxRecord, len(s.records)),
		runs:    make(map[uuid.UUID]workflow.Run, len(s.runs)),
		locks:   make(map[string]lock, len(s.locks)),
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	return c
}

// Store keeps everything in memory. Transactions are serialized and roll
// back to a snapshot on error.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	seq  int64

	Flags map[string]bool

	// Failure injection, consulted on every call when set.
	AppendErr error
	UpdateErr error
	FindErr   error
	ExistsErr error
	Now       func() time.Time

	FlagLookups int
}

var (
	_ rbx.Repository = (*Store)(nil)
	_ workflow.Store = runs{}
)

func New() *Store {
	return &Store{
		st: state{
			records: map[int64]rbx.OutboxRecord{},
			runs:    map[uuid.UUID]workflow.Run{},
			locks:   map[string]lock{},
		},
		Flags: map[string]bool{},
		Now:   time.Now,
	}
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Append(ctx context.Context, records ...*rbx.OutboxRecord) error {
	if ctx.Value(txMarker{}) == nil {
		return rbx.ErrTxMissing
	}
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range records {
		for _, existing := range s.st.records {
			if existing.MessageId == o.MessageId {
				return fmt.Errorf("%w: message %s", rbx.ErrDuplicate, o.MessageId)
			}
		}
		s.seq++
		o.Id = s.seq
		if o.CreatedAt.IsZero() {
			o.CreatedAt = s.Now()
		}
		s.st.records[o.Id] = copyRecord(*o)
	}
	return nil
}

func (s *Store) FindPending(ctx context.Context, class rbx.DeliveryClass, now time.Time, limit int) ([]*rbx.OutboxRecord, error) {
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*rbx.OutboxRecord
	for _, o := range s.st.records {
		if o.DeliveryClass == class && o.Eligible(now) {
			c := copyRecord(o)
			found = append(found, &c)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Id < found[j].Id })
	if limit != -1 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *Store) Update(ctx context.Context, o *rbx.OutboxRecord) (bool, error) {
	if s.UpdateErr != nil {
		return false, s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.st.records[o.Id]
	if !ok || stored.ProcessedAt != nil {
		return false, nil
	}
	stored.ProcessedAt = copyTime(o.ProcessedAt)
	stored.NextRetryAt = copyTime(o.NextRetryAt)
	if o.RetryAttempt != nil {
		n := *o.RetryAttempt
		stored.RetryAttempt = &n
	}
	s.st.records[o.Id] = stored
	return true, nil
}

func (s *Store) Exists(ctx context.Context, messageId uuid.UUID) (bool, error) {
	if s.ExistsErr != nil {
		return false, s.ExistsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.st.records {
		if o.MessageId == messageId {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, o := range s.st.records {
		if o.ProcessedAt != nil && o.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if batchSize != -1 && len(ids) > batchSize {
		ids = ids[:batchSize]
	}
	for _, id := range ids {
		delete(s.st.records, id)
	}
	return int64(len(ids)), nil
}

func (s *Store) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if l, ok := s.st.locks[name]; ok && l.owner != owner && l.until.After(now) {
		return false, nil
	}
	s.st.locks[name] = lock{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.st.locks[name]; !ok || l.owner != owner {
		return fmt.Errorf("the %s lock is not held by %s", name, owner)
	}
	delete(s.st.locks, name)
	return nil
}

// Runs returns a workflow.Store view sharing the transactions of s.
func (s *Store) Runs() workflow.Store { return runs{s} }

type runs struct{ s *Store }

func (v runs) Insert(ctx context.Context, r *workflow.Run) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.st.runs[r.Id]; ok {
		return fmt.Errorf("run %s already exists", r.Id)
	}
	r.Version = 1
	v.s.st.runs[r.Id] = stripEvents(*r)
	return nil
}

func (v runs) Update(ctx context.Context, r *workflow.Run) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	stored, ok := v.s.st.runs[r.Id]
	if !ok || stored.Version != r.Version {
		return workflow.ErrConflict
	}
	r.Version++
	v.s.st.runs[r.Id] = stripEvents(*r)
	return nil
}

func (v runs) Get(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.st.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, rbx.ErrNotFound)
	}
	return &r, nil
}

// Lookup implements cache.FlagSource.
func (s *Store) Lookup(ctx context.Context, key string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlagLookups++
	enabled, ok := s.Flags[key]
	return enabled, ok, nil
}

// Records returns every stored record in insertion order.
func (s *Store) Records() []rbx.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []rbx.OutboxRecord
	for _, o := range s.st.records {
		all = append(all, copyRecord(o))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Id < all[j].Id })
	return all
}

// Record returns the stored record with the given id.
func (s *Store) Record(id int64) (rbx.OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.records[id]
	return copyRecord(o), ok
}

// Put stores a record as is, bypassing transactions.
func (s *Store) Put(o rbx.OutboxRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	o.Id = s.seq
	s.st.records[o.Id] = copyRecord(o)
	return o.Id
}

// Run returns the stored run with the given id.
func (s *Store) Run(id uuid.UUID) (workflow.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.runs[id]
	return r, ok
}

func stripEvents(r workflow.Run) workflow.Run {
	r.ClearEvents()
	return r
}

func copyRecord(o rbx.OutboxRecord) rbx.OutboxRecord {
	o.ProcessedAt = copyTime(o.ProcessedAt)
	o.NextRetryAt = copyTime(o.NextRetryAt)
	if o.RetryAttempt != nil {
		n := *o.RetryAttempt
		o.RetryAttempt = &n
	}
	o.Payload = append([]byte(nil), o.Payload...)
	return o
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
