package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/internal/crypto"
)

// Memory is an append-only in-process ledger for development and tests.
// Every submission is mined into its own block.
type Memory struct {
	mu     sync.RWMutex
	events map[string][]audit.LedgerEvent
	block  uint64
	now    func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string][]audit.LedgerEvent),
		now:    time.Now,
	}
}

// WithClock replaces the block timestamp source
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Memory) GetEvents(ctx context.Context, recordRef string) ([]audit.LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.events[audit.NormalizeRecordRef(recordRef)]
	out := make([]audit.LedgerEvent, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *Memory) Submit(ctx context.Context, action audit.Action, args Args, signer string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := args.validate(action, signer); err != nil {
		return nil, err
	}
	name, _ := EventName(action)

	txHash, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction hash: %w", err)
	}
	metadata, err := encodeMetadata(args)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.block++
	ts := m.now().Unix()
	ref := audit.NormalizeRecordRef(args.RecordRef)
	event := audit.LedgerEvent{
		AuditID:     auditID(m.block, signer, name, ref, ts),
		Actor:       audit.NormalizeActorRef(signer),
		Action:      name,
		RecordHash:  hexRef(ref),
		Timestamp:   ts,
		Metadata:    metadata,
		BlockNumber: m.block,
		TxHash:      "0x" + hex.EncodeToString(txHash),
	}
	if action == audit.ActionGrantAccess || action == audit.ActionRevokeAccess {
		event.Grantee = audit.NormalizeActorRef(args.Grantee)
	}
	if action == audit.ActionGrantAccess && !args.Expiry.IsZero() {
		event.Expiry = args.Expiry.Unix()
	}
	m.events[ref] = append(m.events[ref], event)

	return &Receipt{TxHash: event.TxHash, BlockNumber: event.BlockNumber, AuditID: event.AuditID}, nil
}

// AccessInfo replays the grants of a record and reports whether grantee may read it
func (m *Memory) AccessInfo(ctx context.Context, owner, grantee, recordRef string) (*Access, error) {
	raws, err := m.GetEvents(ctx, recordRef)
	if err != nil {
		return nil, err
	}
	events := make([]audit.Event, 0, len(raws))
	for _, raw := range raws {
		if e, err := audit.FromLedgerEvent(raw); err == nil {
			events = append(events, e)
		}
	}

	m.mu.RLock()
	now := m.now()
	m.mu.RUnlock()

	owner, grantee = audit.NormalizeActorRef(owner), audit.NormalizeActorRef(grantee)
	for _, g := range audit.ActiveGrants(events, now) {
		if g.Owner == owner && g.Grantee == grantee {
			return &Access{HasAccess: true, Expiry: g.Expiry}, nil
		}
	}
	return &Access{}, nil
}

// Len returns the number of mined blocks
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.block)
}

func auditID(block uint64, signer, name, ref string, ts int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%d", block, audit.NormalizeActorRef(signer), name, ref, ts)))
	return "0x" + hex.EncodeToString(h[:])
}

// encodeMetadata stores the owner and free text of a submission as a flat JSON object
func encodeMetadata(args Args) (string, error) {
	meta := make(map[string]string)
	if args.Owner != "" {
		meta[audit.MetaOwner] = audit.NormalizeActorRef(args.Owner)
	}
	if args.Metadata != "" {
		meta[audit.MetaNote] = args.Metadata
	}
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode ledger metadata: %w", err)
	}
	return string(b), nil
}
