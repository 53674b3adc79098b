package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// --- Counter Mock ---

type mockCounterStore struct {
	mock.Mock
}

func (m *mockCounterStore) ReadAvailableLeads(ctx context.Context, projectID string) (int, error) {
	args := m.Called(ctx, projectID)
	return args.Int(0), args.Error(1)
}

func (m *mockCounterStore) WriteAvailableLeads(ctx context.Context, projectID string, value int) error {
	args := m.Called(ctx, projectID, value)
	return args.Error(0)
}

type mockIncrementingStore struct {
	mockCounterStore
}

func (m *mockIncrementingStore) IncrementAvailableLeads(ctx context.Context, projectID string, delta int) (int, error) {
	args := m.Called(ctx, projectID, delta)
	return args.Int(0), args.Error(1)
}

// --- Fake Store ---

var errConstraint = errors.New(`new row for relation "leads" violates check constraint "leads_phone_check"`)

// fakeStore is an all-or-nothing in-memory lead store. Any call containing a
// lead whose phone is in badPhones fails as a whole.
type fakeStore struct {
	mu        sync.Mutex
	badPhones map[string]bool
	// failBulkOver fails every call with more leads than this (0 = off).
	failBulkOver int
	// onInsert runs after every successful call.
	onInsert func(n int)

	inserted  []model.Lead
	calls     []int
	counters  map[string]int
	readErr   error
	writeErr  error
	uploads   map[string]model.UploadRecord
	dlq       []resilience.DLQEntry
	enqueueFn func([]resilience.DLQEntry) error
}

func newFakeStore(badPhones ...string) *fakeStore {
	s := &fakeStore{
		badPhones: map[string]bool{},
		counters:  map[string]int{},
		uploads:   map[string]model.UploadRecord{},
	}
	for _, p := range badPhones {
		s.badPhones[p] = true
	}
	return s
}

func (s *fakeStore) InsertLeads(ctx context.Context, leads []model.Lead) error {
	s.mu.Lock()
	s.calls = append(s.calls, len(leads))
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failBulkOver > 0 && len(leads) > s.failBulkOver {
		return errors.New("canceling statement due to statement timeout")
	}
	for _, l := range leads {
		if s.badPhones[l.ClientPhone] {
			return errConstraint
		}
	}

	s.mu.Lock()
	s.inserted = append(s.inserted, leads...)
	s.mu.Unlock()
	if s.onInsert != nil {
		s.onInsert(len(leads))
	}
	return nil
}

func (s *fakeStore) ReadAvailableLeads(_ context.Context, projectID string) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.counters[projectID], nil
}

func (s *fakeStore) WriteAvailableLeads(_ context.Context, projectID string, value int) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.counters[projectID] = value
	return nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// recordingStore adds upload history and dead-letter support to fakeStore.
type recordingStore struct {
	*fakeStore
}

func (s recordingStore) CreateUpload(_ context.Context, rec model.UploadRecord) error {
	s.uploads[rec.ID] = rec
	return nil
}

func (s recordingStore) FinishUpload(_ context.Context, rec model.UploadRecord) error {
	s.uploads[rec.ID] = rec
	return nil
}

func (s recordingStore) EnqueueFailures(_ context.Context, entries []resilience.DLQEntry) error {
	if s.enqueueFn != nil {
		return s.enqueueFn(entries)
	}
	s.dlq = append(s.dlq, entries...)
	return nil
}

// leadsN builds n valid leads numbered from line 2.
func leadsN(n int) []model.Lead {
	out := make([]model.Lead, n)
	for i := range out {
		out[i] = model.Lead{
			ProjectID:   "p1",
			ClientName:  "Lead",
			ClientPhone: phoneFor(i),
			Stage:       model.StageNewLead,
			Row:         i + 2,
		}
	}
	return out
}

func phoneFor(i int) string {
	return fmt.Sprintf("+2010%04d", i)
}
