package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config selects and configures the off-chain log store
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    ConfigType             `json:"type"`    // "file", "sqlite" or "none"
	Options map[string]interface{} `json:"options"` // Provider-specific options
}

type ConfigType string

const (
	FileLogType   ConfigType = "file"
	SQLiteLogType ConfigType = "sqlite"
	NoOp          ConfigType = "none"
)

// LogStore is the mutable off-chain audit log. Rows are written by the application
// when records are committed, viewed, downloaded or shared.
type LogStore interface {
	// Insert appends a row and returns its id, generating one when entry.ID is empty
	Insert(ctx context.Context, entry LogEntry) (string, error)
	Query(ctx context.Context, options QueryOptions) ([]LogEntry, error)
	Close() error
}

// QueryOptions filters log rows. Results are ordered newest first.
type QueryOptions struct {
	RecordRef string // matches record_id or record_hash, 0x prefix and case ignored
	ActorRef  string // matches actor_email, case ignored
	OwnerRef  string // matches owner_email, case ignored
	Action    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// NewLogStore builds the configured LogStore; a nil or disabled config yields a NoOpLogStore
func NewLogStore(config *Config) (LogStore, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogStore{}, nil
	}

	switch config.Type {
	case FileLogType:
		return NewFileLogStore(config)
	case SQLiteLogType:
		return NewSQLLogStore(config)
	case NoOp, "":
		return &NoOpLogStore{}, nil
	default:
		return nil, fmt.Errorf("unknown audit log provider: %s", config.Type)
	}
}

func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// matchesFilter checks if a log row matches the query filters
func matchesFilter(entry LogEntry, ts time.Time, options QueryOptions) bool {
	if options.RecordRef != "" {
		ref := NormalizeRecordRef(options.RecordRef)
		if NormalizeRecordRef(entry.RecordHash) != ref && NormalizeRecordRef(entry.RecordID) != ref {
			return false
		}
	}
	if options.ActorRef != "" && !strings.EqualFold(entry.ActorEmail, strings.TrimSpace(options.ActorRef)) {
		return false
	}
	if options.OwnerRef != "" && !strings.EqualFold(entry.OwnerEmail, strings.TrimSpace(options.OwnerRef)) {
		return false
	}
	if options.Action != "" && !strings.EqualFold(entry.Action, options.Action) {
		return false
	}

	// Time range filter
	if options.Since != nil && ts.Before(*options.Since) {
		return false
	}
	if options.Until != nil && ts.After(*options.Until) {
		return false
	}
	return true
}

// prepareEntry fills the id and timestamp of a row about to be inserted
func prepareEntry(entry LogEntry, newID func() string) (LogEntry, error) {
	if strings.TrimSpace(entry.Action) == "" {
		return entry, fmt.Errorf("log entry action cannot be empty")
	}
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.AccessedAt == "" {
		entry.AccessedAt = time.Now().UTC().Format(time.RFC3339Nano)
	} else if _, err := ParseLogTime(entry.AccessedAt); err != nil {
		return entry, fmt.Errorf("invalid accessed_at: %w", err)
	}
	return entry, nil
}
