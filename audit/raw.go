package audit

// Source names an event source
type Source string

const (
	SourceLedger Source = "ledger"
	SourceLog    Source = "log"
)

// RawEvent is the closed set of source shapes the normalizer accepts:
// LedgerEvent and LogEntry.
type RawEvent interface {
	Source() Source
	rawEvent()
}

// LedgerEvent is one entry returned by the ledger's audit trail query
type LedgerEvent struct {
	AuditID     string `json:"auditId"`
	Actor       string `json:"actor"` // account address
	Action      string `json:"action"`
	RecordHash  string `json:"recordHash"`
	Timestamp   int64  `json:"timestamp"` // seconds since epoch
	Metadata    string `json:"metadata,omitempty"`
	Grantee     string `json:"grantee,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"` // seconds since epoch, 0 = no expiry
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
}

func (LedgerEvent) Source() Source { return SourceLedger }
func (LedgerEvent) rawEvent()      {}

// LogEntry is one row of the off-chain audit_trail table
type LogEntry struct {
	ID         string `json:"id"`
	RecordID   string `json:"record_id,omitempty"`
	RecordHash string `json:"record_hash,omitempty"`
	ActorEmail string `json:"actor_email"`
	ActorName  string `json:"actor_name,omitempty"`
	OwnerEmail string `json:"owner_email,omitempty"`
	Action     string `json:"action"`
	AccessedAt string `json:"accessed_at"` // ISO-8601
	Metadata   string `json:"metadata,omitempty"`
	Grantee    string `json:"grantee,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"` // ISO-8601
}

func (LogEntry) Source() Source { return SourceLog }
func (LogEntry) rawEvent()      {}
