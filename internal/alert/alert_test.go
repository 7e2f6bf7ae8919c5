package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/alertforge/internal/scoring"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

var (
	testIP   = telemetry.IOC{Type: telemetry.IOCTypeIP, Value: "203.0.113.7"}
	baseTime = time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)
)

func testEvent() telemetry.NormalizedEvent {
	return telemetry.NormalizedEvent{
		Source:    "wazuh",
		EventID:   "1700000000.123",
		EventType: "authentication_failure",
		Severity:  15,
		Timestamp: baseTime,
		Message:   "sshd: brute force",
		ActorIP:   testIP.Value,
	}
}

func testInput(category scoring.Category) UpsertInput {
	ev := testEvent()
	return UpsertInput{
		Fingerprint: Fingerprint(ev, testIP, DefaultTimeBucket),
		Event:       ev,
		PrimaryIOC:  testIP,
		IOCs:        []telemetry.IOC{testIP},
		Score:       scoring.Score{Base: 60, Intel: 36, Final: 96},
		Category:    category,
		At:          baseTime,
	}
}

// ============================================================================
// Fingerprint
// ============================================================================

func TestFingerprint(t *testing.T) {
	ev := testEvent()

	fp := Fingerprint(ev, testIP, DefaultTimeBucket)
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, Fingerprint(ev, testIP, DefaultTimeBucket))

	other := ev
	other.Source = "edr"
	assert.NotEqual(t, fp, Fingerprint(other, testIP, DefaultTimeBucket))

	assert.NotEqual(t, fp, Fingerprint(ev, telemetry.IOC{}, DefaultTimeBucket))
}

func TestFingerprint_EventIDIgnoresMessageAndTime(t *testing.T) {
	ev := testEvent()
	later := ev
	later.Message = "different text"
	later.Timestamp = ev.Timestamp.Add(time.Hour)

	assert.Equal(t, Fingerprint(ev, testIP, DefaultTimeBucket), Fingerprint(later, testIP, DefaultTimeBucket))
}

func TestFingerprint_TimeBucketWithoutEventID(t *testing.T) {
	ev := testEvent()
	ev.EventID = ""

	sameBucket := ev
	sameBucket.Timestamp = time.Date(2026, 3, 1, 12, 4, 59, 0, time.UTC)
	nextBucket := ev
	nextBucket.Timestamp = time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	fp := Fingerprint(ev, testIP, DefaultTimeBucket)
	assert.Equal(t, fp, Fingerprint(sameBucket, testIP, DefaultTimeBucket))
	assert.NotEqual(t, fp, Fingerprint(nextBucket, testIP, DefaultTimeBucket))

	changed := ev
	changed.Message = "other"
	assert.NotEqual(t, fp, Fingerprint(changed, testIP, DefaultTimeBucket))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusScored, true},
		{StatusScored, StatusScored, true},
		{StatusActioned, StatusScored, true},
		{StatusAcknowledged, StatusScored, true},
		{StatusScored, StatusActioned, true},
		{StatusActioned, StatusActioned, true},
		{StatusAcknowledged, StatusActioned, false},
		{StatusScored, StatusAcknowledged, true},
		{StatusActioned, StatusResolved, true},
		{StatusAcknowledged, StatusResolved, true},
		{StatusResolved, StatusScored, false},
		{StatusResolved, StatusAcknowledged, false},
		{StatusResolved, StatusResolved, false},
		{StatusScored, StatusNew, false},
		{StatusScored, StatusEnriched, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("acknowledged")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, s)
	assert.True(t, OperatorSettable(s))
	assert.False(t, OperatorSettable(StatusActioned))

	_, err = ParseStatus("closed")
	assert.Error(t, err)
}

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStore_UpsertNewThenRedelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Upsert(ctx, testInput(scoring.CategoryCritical))
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, StatusScored, first.Alert.Status)
	assert.Equal(t, 1, first.Alert.Occurrences)
	assert.Empty(t, first.PreviousCategory)

	in := testInput(scoring.CategoryCritical)
	in.At = baseTime.Add(time.Minute)
	second, err := s.Upsert(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, scoring.CategoryCritical, second.PreviousCategory)
	assert.Equal(t, StatusScored, second.PreviousStatus)
	assert.Equal(t, 2, second.Alert.Occurrences)
	assert.Equal(t, first.Alert.CreatedAt, second.Alert.CreatedAt)
	assert.Equal(t, in.At, second.Alert.UpdatedAt)
	assert.Equal(t, first.Alert.Fingerprint, second.Alert.Fingerprint)
}

func TestMemoryStore_ResolvedStaysResolved(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Upsert(ctx, testInput(scoring.CategoryHigh))
	require.NoError(t, err)
	_, err = s.Transition(ctx, res.Alert.Fingerprint, StatusResolved, nil)
	require.NoError(t, err)

	again, err := s.Upsert(ctx, testInput(scoring.CategoryCritical))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, again.Alert.Status)
	assert.Equal(t, StatusResolved, again.PreviousStatus)
	assert.Equal(t, scoring.CategoryCritical, again.Alert.Category)
	assert.Equal(t, 2, again.Alert.Occurrences)

	_, err = s.Transition(ctx, res.Alert.Fingerprint, StatusAcknowledged, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestMemoryStore_AcknowledgedReentersScored(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Upsert(ctx, testInput(scoring.CategoryHigh))
	require.NoError(t, err)
	owner := "analyst@example.com"
	acked, err := s.Transition(ctx, res.Alert.Fingerprint, StatusAcknowledged, &owner)
	require.NoError(t, err)
	require.NotNil(t, acked.AssignedTo)
	assert.Equal(t, owner, *acked.AssignedTo)

	again, err := s.Upsert(ctx, testInput(scoring.CategoryHigh))
	require.NoError(t, err)
	assert.Equal(t, StatusScored, again.Alert.Status)
	require.NotNil(t, again.Alert.AssignedTo)
	assert.Equal(t, owner, *again.Alert.AssignedTo)
}

func TestMemoryStore_ConcurrentUpsertsCreateOneAlert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const n = 64

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Upsert(ctx, testInput(scoring.CategoryCritical))
			if !assert.NoError(t, err) {
				return
			}
			if res.IsNew {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	alerts, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, n, alerts[0].Occurrences)
}

func TestMemoryStore_AppendActionAndActioned(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Upsert(ctx, testInput(scoring.CategoryCritical))
	require.NoError(t, err)
	fp := res.Alert.Fingerprint

	_, err = s.AppendAction(ctx, fp, ActionRecord{Kind: scoring.ActionNotify, Sink: "webhook", Success: true, Attempts: 1})
	require.NoError(t, err)
	_, err = s.AppendAction(ctx, fp, ActionRecord{Kind: scoring.ActionTicket, Sink: "ticket", Success: false, Attempts: 4, Error: "status 503"})
	require.NoError(t, err)
	a, err := s.Transition(ctx, fp, StatusActioned, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusActioned, a.Status)
	require.Len(t, a.ActionHistory, 2)
	assert.Equal(t, "ticket", a.ActionHistory[1].Sink)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Transition(ctx, "missing", StatusResolved, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.AppendAction(ctx, "missing", ActionRecord{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Upsert(ctx, testInput(scoring.CategoryLow))
	require.NoError(t, err)
	res.Alert.IOCs[0].Value = "mutated"

	got, err := s.Get(ctx, res.Alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, testIP.Value, got.IOCs[0].Value)
}

func TestMemoryStore_ListFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	categories := []scoring.Category{scoring.CategoryLow, scoring.CategoryHigh, scoring.CategoryHigh}
	for i, c := range categories {
		in := testInput(c)
		in.Fingerprint = string(rune('a' + i))
		in.At = baseTime.Add(time.Duration(i) * time.Minute)
		_, err := s.Upsert(ctx, in)
		require.NoError(t, err)
	}

	high, err := s.List(ctx, ListFilter{Category: scoring.CategoryHigh})
	require.NoError(t, err)
	require.Len(t, high, 2)
	assert.Equal(t, "c", high[0].Fingerprint)

	page, err := s.List(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Fingerprint)

	empty, err := s.List(ctx, ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Upsert(ctx, testInput(scoring.CategoryLow))
	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
}
