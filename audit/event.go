package audit

import (
	"strings"
	"time"
)

// Action is the canonical access action recorded for a record
type Action string

const (
	ActionView         Action = "VIEW"
	ActionDownload     Action = "DOWNLOAD"
	ActionGrantAccess  Action = "GRANT_ACCESS"
	ActionRevokeAccess Action = "REVOKE_ACCESS"
	ActionCommitRecord Action = "COMMIT_RECORD"
	ActionUnknown      Action = "UNKNOWN"
)

var actionAliases = map[string]Action{
	"VIEW":              ActionView,
	"RECORD_VIEWED":     ActionView,
	"DOWNLOAD":          ActionDownload,
	"RECORD_DOWNLOADED": ActionDownload,
	"GRANT_ACCESS":      ActionGrantAccess,
	"ACCESS_GRANTED":    ActionGrantAccess,
	"REVOKE_ACCESS":     ActionRevokeAccess,
	"ACCESS_REVOKED":    ActionRevokeAccess,
	"COMMIT_RECORD":     ActionCommitRecord,
	"RECORD_COMMITTED":  ActionCommitRecord,
}

// ParseAction maps a source action name onto the canonical enum, case-insensitively.
// It reports false for values outside the enum.
func ParseAction(s string) (Action, bool) {
	a, ok := actionAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return ActionUnknown, false
	}
	return a, true
}

// SourceTrust tells whether an event is corroborated by the ledger
type SourceTrust string

const (
	TrustLedgerVerified SourceTrust = "ledger-verified"
	TrustLogOnly        SourceTrust = "log-only"
)

// Sentinels used when a source omits the actor or the record
const (
	UnknownActor  = "unknown-actor"
	UnknownRecord = "unknown-record"
)

// Metadata keys set by the normalizer
const (
	MetaRawAction   = "raw_action"
	MetaNote        = "note"
	MetaActorName   = "actor_name"
	MetaOwner       = "owner"
	MetaGrantee     = "grantee"
	MetaExpiry      = "expiry" // epoch ms
	MetaRecordID    = "record_id"
	MetaTxHash      = "tx_hash"
	MetaBlockNumber = "block_number"
)

// Identity is the human readable view of an actor
type Identity struct {
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	Organization string `json:"organization,omitempty"`
	// Derived is set when the directory had no profile for the actor
	Derived bool `json:"derived,omitempty"`
}

// Event is the canonical, source independent audit event.
// Events are values; the reconciliation engine selects and orders them but never edits them.
type Event struct {
	AuditID   string            `json:"audit_id"`
	Actor     string            `json:"actor"`
	Action    Action            `json:"action"`
	RecordRef string            `json:"record_ref"`
	Timestamp int64             `json:"timestamp"` // epoch ms
	Metadata  map[string]string `json:"metadata,omitempty"`
	Trust     SourceTrust       `json:"source_trust"`
	Identity  *Identity         `json:"identity,omitempty"`
}

func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

func (e Event) LedgerVerified() bool {
	return e.Trust == TrustLedgerVerified
}

// NormalizeRecordRef lowercases a record reference and strips a 0x prefix
func NormalizeRecordRef(ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return strings.TrimPrefix(ref, "0x")
}

// NormalizeActorRef lowercases an actor reference
func NormalizeActorRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
