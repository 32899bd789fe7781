package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/urgood/voiceusage/internal/storage"
)

// fakeStore is an in-memory VoiceUsageStore with the same uniqueness and
// atomicity guarantees as the real backends.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*storage.VoiceUsageRecord // id -> record
	periods map[string]string                    // natural key -> id

	err          error                                 // returned by every call when set
	beforeCreate func(record storage.VoiceUsageRecord) // runs without the lock held
	creates      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*storage.VoiceUsageRecord),
		periods: make(map[string]string),
	}
}

func naturalKey(userID string, start, end time.Time) string {
	return userID + "|" + start.UTC().String() + "|" + end.UTC().String()
}

func (f *fakeStore) seed(userID string, start, end time.Time, secondsUsed int64) *storage.VoiceUsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	record := &storage.VoiceUsageRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		PeriodStart: start,
		PeriodEnd:   end,
		SecondsUsed: secondsUsed,
	}
	f.records[record.ID] = record
	f.periods[naturalKey(userID, start, end)] = record.ID
	copied := *record
	return &copied
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeStore) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return
	}
	delete(f.periods, naturalKey(record.UserID, record.PeriodStart, record.PeriodEnd))
	delete(f.records, id)
}

func (f *fakeStore) GetRecord(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*storage.VoiceUsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.periods[naturalKey(userID, periodStart, periodEnd)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *f.records[id]
	return &copied, nil
}

func (f *fakeStore) CreateRecord(ctx context.Context, record storage.VoiceUsageRecord) (*storage.VoiceUsageRecord, error) {
	if f.beforeCreate != nil {
		f.beforeCreate(record)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	key := naturalKey(record.UserID, record.PeriodStart, record.PeriodEnd)
	if _, exists := f.periods[key]; exists {
		return nil, storage.ErrAlreadyExists
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	f.creates++
	f.records[record.ID] = &record
	f.periods[key] = record.ID
	copied := record
	return &copied, nil
}

func (f *fakeStore) IncrementSessionsStarted(ctx context.Context, id string, at time.Time) (*storage.VoiceUsageRecord, error) {
	return f.update(id, func(record *storage.VoiceUsageRecord) {
		record.SessionsStarted++
		record.LastSessionAt = &at
	})
}

func (f *fakeStore) IncrementSessionsCompleted(ctx context.Context, id string, seconds int64, at time.Time) (*storage.VoiceUsageRecord, error) {
	return f.update(id, func(record *storage.VoiceUsageRecord) {
		record.SessionsCompleted++
		if seconds > 0 {
			record.SecondsUsed += seconds
		}
		record.LastSessionAt = &at
	})
}

func (f *fakeStore) update(id string, fn func(*storage.VoiceUsageRecord)) (*storage.VoiceUsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	fn(record)
	copied := *record
	return &copied, nil
}

func (f *fakeStore) ListUserRecords(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	records := make([]storage.VoiceUsageRecord, 0)
	for _, record := range f.records {
		if record.UserID == userID {
			records = append(records, *record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].PeriodStart.After(records[j].PeriodStart)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (f *fakeStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}
	deleted := 0
	for id, record := range f.records {
		if !record.PeriodEnd.After(cutoff) {
			delete(f.periods, naturalKey(record.UserID, record.PeriodStart, record.PeriodEnd))
			delete(f.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// recordingEvents captures tracked analytics events
type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name       string
	userID     string
	properties map[string]any
}

func (r *recordingEvents) Track(name, userID string, properties map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, userID: userID, properties: properties})
}

func (r *recordingEvents) named(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}
