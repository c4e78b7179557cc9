package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/ledger"
	"southwinds.dev/custody/persist"
)

// journal records the order in which the committer touches its dependencies
type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
}

type journalBlobs struct {
	persist.BlobStore
	j   *journal
	err error
}

func (b *journalBlobs) Put(ctx context.Context, data []byte, filename string) (string, error) {
	b.j.add("blob")
	if b.err != nil {
		return "", b.err
	}
	return b.BlobStore.Put(ctx, data, filename)
}

type journalRecords struct {
	persist.RecordStore
	j *journal
}

func (r *journalRecords) Save(ctx context.Context, row persist.RecordRow) error {
	r.j.add("record")
	return r.RecordStore.Save(ctx, row)
}

type journalLedger struct {
	ledger.Sink
	j   *journal
	err error
}

func (l *journalLedger) Submit(ctx context.Context, action audit.Action, args ledger.Args, signer string) (*ledger.Receipt, error) {
	l.j.add("ledger")
	if l.err != nil {
		return nil, l.err
	}
	return l.Sink.Submit(ctx, action, args, signer)
}

type journalLogs struct {
	audit.LogStore
	j   *journal
	err error
}

func (l *journalLogs) Insert(ctx context.Context, entry audit.LogEntry) (string, error) {
	l.j.add("log")
	if l.err != nil {
		return "", l.err
	}
	return l.LogStore.Insert(ctx, entry)
}

type committerFixture struct {
	committer *Committer
	journal   *journal
	blobs     *journalBlobs
	ledger    *journalLedger
	logs      *journalLogs
	chain     *ledger.Memory
	logStore  *audit.SQLLogStore
	clock     *fakeClock
}

func newCommitterFixture(t *testing.T) *committerFixture {
	t.Helper()
	clock := newFakeClock()
	j := &journal{}

	fileBlobs, err := persist.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	logStore, err := audit.OpenSQLLogStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = logStore.Close() })
	chain := ledger.NewMemory().WithClock(clock.Now)

	f := &committerFixture{
		journal:  j,
		blobs:    &journalBlobs{BlobStore: fileBlobs, j: j},
		ledger:   &journalLedger{Sink: chain, j: j},
		logs:     &journalLogs{LogStore: logStore, j: j},
		chain:    chain,
		logStore: logStore,
		clock:    clock,
	}
	f.committer = &Committer{
		Blobs:   f.blobs,
		Records: &journalRecords{RecordStore: persist.NewMemoryRecordStore(), j: j},
		Ledger:  f.ledger,
		Logs:    f.logs,
		Log:     quietLogger(),
		Now:     clock.Now,
	}
	return f
}

func encryptedTestRecord(t *testing.T) *EncryptedRecord {
	t.Helper()
	rec, err := newTestPipeline(t).EncryptRecord([]byte("lipid panel"), "lipids.pdf", Passphrase(testPassphrase))
	require.NoError(t, err)
	return rec
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	f := newCommitterFixture(t)
	rec := encryptedTestRecord(t)

	receipt, err := f.committer.Commit(ctx, rec, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"blob", "record", "ledger", "log"}, f.journal.steps)
	assert.Equal(t, rec.ID, receipt.RecordID)
	assert.Equal(t, rec.IntegrityHash, receipt.IntegrityHash)
	require.NotNil(t, receipt.Transaction)
	assert.NotEmpty(t, receipt.LogID)
	assert.NoError(t, receipt.LedgerError)
	assert.NoError(t, receipt.LogError)

	events, err := f.chain.GetEvents(ctx, rec.IntegrityHash)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "RECORD_COMMITTED", events[0].Action)
	assert.Equal(t, "alice@example.com", events[0].Actor)

	rows, err := f.logStore.Query(ctx, audit.QueryOptions{RecordRef: rec.IntegrityHash})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(audit.ActionCommitRecord), rows[0].Action)
	assert.Equal(t, rec.ID, rows[0].RecordID)
	assert.Contains(t, rows[0].Metadata, receipt.Transaction.TxHash)

	loaded, err := f.committer.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Ciphertext, loaded.Ciphertext)
	out, err := newTestPipeline(t).DecryptRecord(loaded, Passphrase(testPassphrase))
	require.NoError(t, err)
	assert.Equal(t, []byte("lipid panel"), out)
}

func TestCommitRejectsCorruptRecord(t *testing.T) {
	f := newCommitterFixture(t)
	rec := encryptedTestRecord(t)
	rec.Ciphertext[0] ^= 0xff

	_, err := f.committer.Commit(context.Background(), rec, "alice@example.com")
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.Empty(t, f.journal.steps, "nothing is written")
}

func TestCommitStopsWhenBlobFails(t *testing.T) {
	f := newCommitterFixture(t)
	f.blobs.err = errors.New("disk full")

	_, err := f.committer.Commit(context.Background(), encryptedTestRecord(t), "alice@example.com")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"blob"}, f.journal.steps)
}

func TestCommitSurvivesLedgerFailure(t *testing.T) {
	ctx := context.Background()
	f := newCommitterFixture(t)
	f.ledger.err = fmt.Errorf("%w: node down", audit.ErrSourceUnavailable)
	rec := encryptedTestRecord(t)

	receipt, err := f.committer.Commit(ctx, rec, "alice@example.com")
	require.NoError(t, err)
	assert.Nil(t, receipt.Transaction)
	assert.ErrorIs(t, receipt.LedgerError, ErrSourceUnavailable)
	assert.NotEmpty(t, receipt.LogID)
	assert.Equal(t, []string{"blob", "record", "ledger", "log"}, f.journal.steps)

	_, err = f.committer.Load(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestEmit(t *testing.T) {
	ctx := context.Background()
	f := newCommitterFixture(t)
	expiry := f.clock.Now().Add(24 * time.Hour)

	receipt, err := f.committer.Emit(ctx, audit.ActionGrantAccess, AccessEvent{
		RecordRef: "0xABCDEF",
		Actor:     "alice@example.com",
		Owner:     "alice@example.com",
		Grantee:   "dr.bob@clinic.example",
		Expiry:    expiry,
	})
	require.NoError(t, err)
	assert.NotNil(t, receipt.Transaction)

	access, err := f.chain.AccessInfo(ctx, "alice@example.com", "dr.bob@clinic.example", "abcdef")
	require.NoError(t, err)
	assert.True(t, access.HasAccess)

	t.Run("OneSinkDown", func(t *testing.T) {
		f.logs.err = errors.New("database is locked")
		defer func() { f.logs.err = nil }()
		receipt, err := f.committer.Emit(ctx, audit.ActionView, AccessEvent{
			RecordRef: "abcdef", Actor: "dr.bob@clinic.example", Owner: "alice@example.com",
		})
		require.NoError(t, err)
		assert.Error(t, receipt.LogError)
		assert.NotNil(t, receipt.Transaction)
	})

	t.Run("AllSinksDown", func(t *testing.T) {
		f.logs.err = errors.New("database is locked")
		f.ledger.err = errors.New("node down")
		defer func() { f.logs.err, f.ledger.err = nil, nil }()
		_, err := f.committer.Emit(ctx, audit.ActionView, AccessEvent{
			RecordRef: "abcdef", Actor: "dr.bob@clinic.example", Owner: "alice@example.com",
		})
		assert.ErrorContains(t, err, "database is locked")
		assert.ErrorContains(t, err, "node down")
	})

	t.Run("InvalidEvent", func(t *testing.T) {
		_, err := f.committer.Emit(ctx, audit.ActionUnknown, AccessEvent{RecordRef: "abcdef", Actor: "x"})
		assert.Error(t, err)
		_, err = f.committer.Emit(ctx, audit.ActionView, AccessEvent{Actor: "x"})
		assert.Error(t, err)
		_, err = (&Committer{}).Emit(ctx, audit.ActionView, AccessEvent{RecordRef: "abcdef", Actor: "x"})
		assert.Error(t, err)
	})
}

func TestCommittedRecordReconciles(t *testing.T) {
	ctx := context.Background()
	f := newCommitterFixture(t)
	rec := encryptedTestRecord(t)
	_, err := f.committer.Commit(ctx, rec, "alice@example.com")
	require.NoError(t, err)

	r := &audit.Reconciler{Ledger: f.chain, Logs: f.logStore, Log: quietLogger()}
	trail, err := r.Trail(ctx, audit.TrailQuery{RecordRef: rec.IntegrityHash})
	require.NoError(t, err)
	assert.True(t, trail.Verified)
	assert.Equal(t, audit.LabelVerified, trail.Label())
	require.Len(t, trail.Events, 1, "ledger and log rows describe the same commit")
	assert.True(t, trail.Events[0].LedgerVerified())
	assert.Equal(t, audit.ActionCommitRecord, trail.Events[0].Action)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "could not unlock", UserMessage(fmt.Errorf("unlock: %w", ErrWrongPassphrase)))
	assert.Equal(t, "could not unlock", UserMessage(ErrAuthenticationFailure))
	assert.Equal(t, "no keyring found, run setup first", UserMessage(ErrNoKeyring))
	assert.Equal(t, "audit sources are unavailable", UserMessage(fmt.Errorf("%w: both", ErrSourceUnavailable)))
	assert.Equal(t, "boom", UserMessage(errors.New("boom")))
}
