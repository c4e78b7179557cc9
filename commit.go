package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/ledger"
	"southwinds.dev/custody/persist"
)

// Committer stores encrypted records and reports access to the ledger and the off-chain log.
// Ledger and Logs are optional; Blobs and Records are required for Commit.
type Committer struct {
	Blobs   persist.BlobStore
	Records persist.RecordStore
	Ledger  ledger.Sink
	Logs    audit.LogStore
	Log     *logrus.Logger
	Now     func() time.Time
}

// AuditReceipt tells where an audit event was recorded. Failures of individual sinks are
// reported here rather than as errors.
type AuditReceipt struct {
	Transaction *ledger.Receipt `json:"transaction,omitempty"`
	LedgerError error           `json:"-"`
	LogID       string          `json:"log_id,omitempty"`
	LogError    error           `json:"-"`
}

type CommitReceipt struct {
	RecordID      string `json:"record_id"`
	BlobURL       string `json:"blob_url"`
	IntegrityHash string `json:"integrity_hash"`
	AuditReceipt
}

// AccessEvent describes one access to a record
type AccessEvent struct {
	RecordRef string // integrity hash of the record
	RecordID  string
	Actor     string
	ActorName string
	Owner     string
	Grantee   string
	Expiry    time.Time
	Note      string
}

func (c *Committer) logger() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func (c *Committer) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Commit stores the ciphertext, then the record row, then anchors the record on the
// ledger and finally writes the log row. Nothing is written for a record whose ciphertext
// does not match its integrity hash. Ledger and log failures do not undo the stored record.
func (c *Committer) Commit(ctx context.Context, rec *EncryptedRecord, owner string) (*CommitReceipt, error) {
	if c.Blobs == nil || c.Records == nil {
		return nil, errors.New("committer requires a blob store and a record store")
	}
	if owner == "" {
		return nil, errors.New("record owner is required")
	}
	if err := VerifyIntegrity(rec); err != nil {
		return nil, err
	}
	envelope, err := rec.Envelope()
	if err != nil {
		return nil, fmt.Errorf("failed to encode record envelope: %w", err)
	}

	blobURL, err := c.Blobs.Put(ctx, rec.Ciphertext, rec.OriginalFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to store record blob: %w", err)
	}
	row := persist.RecordRow{
		ID:             rec.ID,
		Owner:          audit.NormalizeActorRef(owner),
		Filename:       rec.OriginalFilename,
		BlobURL:        blobURL,
		IntegrityHash:  rec.IntegrityHash,
		Size:           rec.SizeBytes,
		Envelope:       envelope,
		KeyFingerprint: rec.KeyFingerprint,
		CreatedAt:      rec.CreatedAt,
	}
	if err = c.Records.Save(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to save record row: %w", err)
	}

	receipt := &CommitReceipt{RecordID: rec.ID, BlobURL: blobURL, IntegrityHash: rec.IntegrityHash}
	receipt.AuditReceipt = c.emit(ctx, audit.ActionCommitRecord, AccessEvent{
		RecordRef: rec.IntegrityHash,
		RecordID:  rec.ID,
		Actor:     owner,
		Owner:     owner,
		Note:      rec.OriginalFilename,
	})

	c.logger().WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"record_ref": rec.IntegrityHash,
		"blob_url":   blobURL,
		"anchored":   receipt.Transaction != nil,
	}).Info("record committed")
	return receipt, nil
}

// Emit records an access event on the ledger and in the log. It fails only when every
// configured sink failed.
func (c *Committer) Emit(ctx context.Context, action audit.Action, ev AccessEvent) (*AuditReceipt, error) {
	if _, err := ledger.EventName(action); err != nil {
		return nil, err
	}
	if ev.RecordRef == "" || ev.Actor == "" {
		return nil, errors.New("access event requires a record reference and an actor")
	}
	if c.Ledger == nil && c.Logs == nil {
		return nil, errors.New("no audit sink configured")
	}

	receipt := c.emit(ctx, action, ev)
	ledgerFailed := c.Ledger == nil || receipt.LedgerError != nil
	logFailed := c.Logs == nil || receipt.LogError != nil
	if ledgerFailed && logFailed {
		return &receipt, fmt.Errorf("failed to record %s: %w", action, errors.Join(receipt.LedgerError, receipt.LogError))
	}
	return &receipt, nil
}

func (c *Committer) emit(ctx context.Context, action audit.Action, ev AccessEvent) AuditReceipt {
	var receipt AuditReceipt
	entry := c.logger().WithFields(logrus.Fields{"action": action, "record_ref": ev.RecordRef})

	if c.Ledger != nil {
		args := ledger.Args{
			RecordRef: ev.RecordRef,
			Owner:     ev.Owner,
			Grantee:   ev.Grantee,
			Expiry:    ev.Expiry,
			Metadata:  ev.Note,
		}
		tx, err := c.Ledger.Submit(ctx, action, args, ev.Actor)
		if err != nil {
			receipt.LedgerError = err
			entry.WithError(err).Warn("ledger submission failed")
		} else {
			receipt.Transaction = tx
		}
	}

	if c.Logs != nil {
		row := audit.LogEntry{
			RecordID:   ev.RecordID,
			RecordHash: ev.RecordRef,
			ActorEmail: ev.Actor,
			ActorName:  ev.ActorName,
			OwnerEmail: ev.Owner,
			Action:     string(action),
			AccessedAt: c.now().UTC().Format(time.RFC3339Nano),
			Metadata:   logMetadata(ev.Note, receipt.Transaction),
			Grantee:    ev.Grantee,
		}
		if !ev.Expiry.IsZero() {
			row.ExpiresAt = ev.Expiry.UTC().Format(time.RFC3339)
		}
		id, err := c.Logs.Insert(ctx, row)
		if err != nil {
			receipt.LogError = err
			entry.WithError(err).Warn("audit log insert failed")
		} else {
			receipt.LogID = id
		}
	}
	return receipt
}

// Load fetches a committed record and checks its integrity
func (c *Committer) Load(ctx context.Context, id string) (*EncryptedRecord, error) {
	if c.Blobs == nil || c.Records == nil {
		return nil, errors.New("committer requires a blob store and a record store")
	}
	row, err := c.Records.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	ciphertext, err := c.Blobs.Get(ctx, row.BlobURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load record blob: %w", err)
	}
	rec, err := RecordFromEnvelope(row.Envelope, ciphertext)
	if err != nil {
		return nil, err
	}
	if err = VerifyIntegrity(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func logMetadata(note string, tx *ledger.Receipt) string {
	meta := make(map[string]string)
	if note != "" {
		meta[audit.MetaNote] = note
	}
	if tx != nil {
		meta[audit.MetaTxHash] = tx.TxHash
	}
	if len(meta) == 0 {
		return ""
	}
	b, _ := json.Marshal(meta)
	return string(b)
}
