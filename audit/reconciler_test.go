package audit

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sarahAddress = "0x742d35cc6634c0532925a3b844bc454e4438d8b6"
	sarahEmail   = "sarah.lee@citygeneral.org"
	recordHash   = "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
	baseSeconds  = int64(1700000000)
)

type fakeLedger struct {
	mu     sync.Mutex
	events map[string][]LedgerEvent
	err    error
	block  bool
	calls  []string
}

func (f *fakeLedger) GetEvents(ctx context.Context, recordRef string) ([]LedgerEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordRef)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events[NormalizeRecordRef(recordRef)], nil
}

type fakeLogs struct {
	entries []LogEntry
	err     error
}

func (f *fakeLogs) Query(_ context.Context, options QueryOptions) ([]LogEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []LogEntry
	for _, e := range f.entries {
		ts, _ := ParseLogTime(e.AccessedAt)
		if matchesFilter(e, ts, options) {
			out = append(out, e)
		}
	}
	return out, nil
}

func logTime(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testDirectory(t *testing.T) *StaticDirectory {
	dir, err := NewStaticDirectory(
		Profile{ID: sarahAddress, Name: "Dr. Sarah Lee", Role: "Physician", Aliases: []string{sarahEmail}},
	)
	require.NoError(t, err)
	return dir
}

func TestReconcilerRecordTrail(t *testing.T) {
	dir := testDirectory(t)
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		recordHash: {{AuditID: "0xt1", Actor: sarahAddress, Action: "RECORD_VIEWED", RecordHash: "0x" + recordHash, Timestamp: baseSeconds}},
	}}
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordHash: recordHash, ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds + 2)},
		{ID: "row-2", RecordHash: recordHash, ActorEmail: "nurse@example.com", Action: "DOWNLOAD", AccessedAt: logTime(baseSeconds + 60)},
		{ID: "row-3", RecordHash: "ffff", ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds)},
	}}

	r := &Reconciler{
		Ledger:    ledger,
		Logs:      logs,
		Directory: dir,
		Merger:    Merger{Window: 5 * time.Minute, ActorKey: DirectoryActorKey(dir)},
		Log:       quietLogger(),
	}
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: "0x" + recordHash})
	require.NoError(t, err)

	assert.True(t, trail.Verified)
	assert.Empty(t, trail.Unavailable)
	assert.False(t, trail.Partial())
	assert.Equal(t, LabelVerified, trail.Label())
	assert.Equal(t, 0, trail.Skipped)

	require.Len(t, trail.Events, 2)
	assert.Equal(t, "row-2", trail.Events[0].AuditID)
	assert.Equal(t, TrustLogOnly, trail.Events[0].Trust)
	assert.Equal(t, "nurse", trail.Events[0].Identity.Name)

	assert.Equal(t, "0xt1", trail.Events[1].AuditID)
	assert.Equal(t, TrustLedgerVerified, trail.Events[1].Trust)
	assert.Equal(t, "Dr. Sarah Lee", trail.Events[1].Identity.Name)
	assert.False(t, trail.Events[1].Identity.Derived)
}

func TestReconcilerRecordTrailByID(t *testing.T) {
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		recordHash: {{AuditID: "0xt1", Actor: sarahAddress, Action: "COMMIT_RECORD", RecordHash: "0x" + recordHash, Timestamp: baseSeconds}},
	}}
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordID: "rec-42", RecordHash: recordHash, ActorEmail: "nurse@example.com", Action: "VIEW", AccessedAt: logTime(baseSeconds + 600)},
		{ID: "row-2", RecordID: "rec-7", RecordHash: "ffff", ActorEmail: "nurse@example.com", Action: "VIEW", AccessedAt: logTime(baseSeconds)},
	}}

	r := &Reconciler{Ledger: ledger, Logs: logs, Log: quietLogger()}
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: "rec-42"})
	require.NoError(t, err)

	assert.True(t, trail.Verified)
	assert.Equal(t, LabelVerified, trail.Label())
	assert.Equal(t, []string{"row-1", "0xt1"}, auditIDs(trail.Events))
	for _, e := range trail.Events {
		assert.Equal(t, recordHash, e.RecordRef)
	}

	calls := append([]string(nil), ledger.calls...)
	sort.Strings(calls)
	assert.Equal(t, []string{recordHash, "rec-42"}, calls)
}

func TestReconcilerRecordTrailByIDLedgerDown(t *testing.T) {
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordID: "rec-42", RecordHash: recordHash, ActorEmail: sarahEmail, Action: "DOWNLOAD", AccessedAt: logTime(baseSeconds)},
	}}
	r := &Reconciler{Ledger: &fakeLedger{err: errors.New("connection refused")}, Logs: logs, Log: quietLogger()}

	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: "rec-42"})
	require.NoError(t, err)
	assert.False(t, trail.Verified)
	assert.Equal(t, []Source{SourceLedger}, trail.Unavailable)
	assert.Equal(t, []string{"row-1"}, auditIDs(trail.Events))
}

func TestReconcilerLedgerUnavailable(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("dial tcp: connection refused")}
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordHash: recordHash, ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds)},
		{ID: "row-2", RecordHash: recordHash, ActorEmail: "nurse@example.com", Action: "DOWNLOAD", AccessedAt: logTime(baseSeconds + 60)},
	}}

	r := &Reconciler{Ledger: ledger, Logs: logs, Log: quietLogger()}
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	require.NoError(t, err)

	assert.False(t, trail.Verified)
	assert.Equal(t, []Source{SourceLedger}, trail.Unavailable)
	assert.Equal(t, "partial trail: not blockchain-verified", trail.Label())
	require.Len(t, trail.Events, 2)
	for _, e := range trail.Events {
		assert.Equal(t, TrustLogOnly, e.Trust)
		assert.NotNil(t, e.Identity)
	}
}

func TestReconcilerLogUnavailable(t *testing.T) {
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		recordHash: {{AuditID: "0xt1", Actor: sarahAddress, Action: "VIEW", RecordHash: recordHash, Timestamp: baseSeconds}},
	}}
	r := &Reconciler{Ledger: ledger, Logs: &fakeLogs{err: errors.New("database is locked")}, Log: quietLogger()}

	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	require.NoError(t, err)
	assert.True(t, trail.Verified)
	assert.Equal(t, []Source{SourceLog}, trail.Unavailable)
	assert.Equal(t, LabelLogUnavailable, trail.Label())
	require.Len(t, trail.Events, 1)
	assert.Equal(t, "0x742d...d8b6", trail.Events[0].Identity.Name)
}

func TestReconcilerAllSourcesUnavailable(t *testing.T) {
	r := &Reconciler{
		Ledger: &fakeLedger{err: errors.New("ledger down")},
		Logs:   &fakeLogs{err: errors.New("log down")},
		Log:    quietLogger(),
	}
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	require.Error(t, err)
	assert.Nil(t, trail)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	var se *SourceError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "ledger down")
	assert.Contains(t, err.Error(), "log down")

	r = &Reconciler{Log: quietLogger()}
	_, err = r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestReconcilerSkipsMalformedEvents(t *testing.T) {
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		recordHash: {
			{AuditID: "0xt1", Actor: sarahAddress, Action: "VIEW", RecordHash: recordHash, Timestamp: baseSeconds},
			{AuditID: "0xt2", Actor: sarahAddress, Action: "VIEW", RecordHash: recordHash},
			{AuditID: "0xt3", Actor: sarahAddress, Action: "RECORD_SHREDDED", RecordHash: recordHash, Timestamp: baseSeconds + 1},
		},
	}}
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordHash: recordHash, ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: "not a time"},
	}}

	r := &Reconciler{Ledger: ledger, Logs: logs, Log: quietLogger()}
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	require.NoError(t, err)
	assert.Equal(t, 2, trail.Skipped)
	require.Len(t, trail.Events, 2)
	assert.Equal(t, ActionUnknown, trail.Events[0].Action)
	assert.Equal(t, "RECORD_SHREDDED", trail.Events[0].Metadata[MetaRawAction])
}

func TestReconcilerActorTrail(t *testing.T) {
	dir := testDirectory(t)
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		"r1": {
			{AuditID: "0xt1", Actor: sarahAddress, Action: "VIEW", RecordHash: "r1", Timestamp: baseSeconds},
			{AuditID: "0xt2", Actor: "0x1111111111111111111111111111111111111111", Action: "VIEW", RecordHash: "r1", Timestamp: baseSeconds},
		},
		"r2": {
			{AuditID: "0xt3", Actor: sarahAddress, Action: "DOWNLOAD", RecordHash: "r2", Timestamp: baseSeconds + 600},
		},
	}}
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordHash: "R1", ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds + 1)},
		{ID: "row-2", RecordHash: "r2", ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds + 1200)},
		{ID: "row-3", RecordHash: "r3", ActorEmail: "nurse@example.com", Action: "VIEW", AccessedAt: logTime(baseSeconds)},
	}}

	r := &Reconciler{
		Ledger:    ledger,
		Logs:      logs,
		Directory: dir,
		Merger:    Merger{Window: 5 * time.Minute, ActorKey: DirectoryActorKey(dir)},
		Log:       quietLogger(),
	}
	trail, err := r.Trail(context.Background(), TrailQuery{ActorRef: sarahEmail})
	require.NoError(t, err)
	assert.True(t, trail.Verified)

	calls := append([]string(nil), ledger.calls...)
	sort.Strings(calls)
	assert.Equal(t, []string{"r1", "r2"}, calls)

	assert.Equal(t, []string{"row-2", "0xt3", "0xt1"}, auditIDs(trail.Events))
	for _, e := range trail.Events {
		assert.Equal(t, "Dr. Sarah Lee", e.Identity.Name)
	}
}

func TestReconcilerActorTrailWithoutLogs(t *testing.T) {
	ledger := &fakeLedger{}
	r := &Reconciler{Ledger: ledger, Logs: &fakeLogs{err: errors.New("log down")}, Log: quietLogger()}

	_, err := r.Trail(context.Background(), TrailQuery{ActorRef: sarahEmail})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Empty(t, ledger.calls)
}

func TestReconcilerActorTrailWithoutRows(t *testing.T) {
	ledger := &fakeLedger{}
	r := &Reconciler{Ledger: ledger, Logs: &fakeLogs{}, Log: quietLogger()}

	trail, err := r.Trail(context.Background(), TrailQuery{ActorRef: sarahEmail})
	require.NoError(t, err)
	assert.Empty(t, trail.Events)
	assert.Empty(t, ledger.calls)
	assert.False(t, trail.Verified)
	assert.Empty(t, trail.Unavailable)
	assert.Equal(t, LabelNotVerified, trail.Label())
}

func TestReconcilerConcurrentTrails(t *testing.T) {
	ledger := &fakeLedger{events: map[string][]LedgerEvent{
		recordHash: {{AuditID: "0xt1", Actor: sarahAddress, Action: "VIEW", RecordHash: recordHash, Timestamp: baseSeconds}},
	}}
	// no logger configured
	r := &Reconciler{Ledger: ledger, Logs: &fakeLogs{err: errors.New("log down")}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
			if assert.NoError(t, err) {
				assert.Len(t, trail.Events, 1)
			}
		}()
	}
	wg.Wait()
	assert.Nil(t, r.Log)
}

func TestReconcilerTimeout(t *testing.T) {
	logs := &fakeLogs{entries: []LogEntry{
		{ID: "row-1", RecordHash: recordHash, ActorEmail: sarahEmail, Action: "VIEW", AccessedAt: logTime(baseSeconds)},
	}}
	r := &Reconciler{
		Ledger:  &fakeLedger{block: true},
		Logs:    logs,
		Timeout: 50 * time.Millisecond,
		Log:     quietLogger(),
	}

	start := time.Now()
	trail, err := r.Trail(context.Background(), TrailQuery{RecordRef: recordHash})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, trail.Verified)
	assert.Len(t, trail.Events, 1)
}

func TestReconcilerEmptyQuery(t *testing.T) {
	r := &Reconciler{Ledger: &fakeLedger{}, Logs: &fakeLogs{}}
	_, err := r.Trail(context.Background(), TrailQuery{})
	assert.Error(t, err)
}
