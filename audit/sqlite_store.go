package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLLogStore keeps the off-chain log in a SQLite audit_trail table
type SQLLogStore struct {
	db *sql.DB
}

type SQLOptions struct {
	DSN string `json:"dsn"` // file path or sqlite DSN
}

func NewSQLLogStore(config *Config) (*SQLLogStore, error) {
	var opts SQLOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite log options: %w", err)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required for sqlite log store")
	}
	return OpenSQLLogStore(opts.DSN)
}

func OpenSQLLogStore(dsn string) (*SQLLogStore, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// a single connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)

	s := &SQLLogStore{db: db}
	if err = s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLLogStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_trail (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL DEFAULT '',
		record_hash TEXT NOT NULL DEFAULT '',
		actor_email TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		owner_email TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		accessed_at TEXT NOT NULL,
		accessed_ms INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '',
		grantee TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_record ON audit_trail(record_hash);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_record_id ON audit_trail(record_id);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_actor ON audit_trail(actor_email);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_owner ON audit_trail(owner_email);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLLogStore) Insert(ctx context.Context, entry LogEntry) (string, error) {
	entry, err := prepareEntry(entry, uuid.NewString)
	if err != nil {
		return "", err
	}
	ts, _ := ParseLogTime(entry.AccessedAt)

	query := `
	INSERT INTO audit_trail (id, record_id, record_hash, actor_email, actor_name, owner_email,
		action, accessed_at, accessed_ms, metadata, grantee, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.RecordID, entry.RecordHash, strings.ToLower(entry.ActorEmail), entry.ActorName,
		strings.ToLower(entry.OwnerEmail), entry.Action, entry.AccessedAt, ts.UnixMilli(),
		entry.Metadata, strings.ToLower(entry.Grantee), entry.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert log entry: %w", err)
	}
	return entry.ID, nil
}

func (s *SQLLogStore) Query(ctx context.Context, options QueryOptions) ([]LogEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if options.RecordRef != "" {
		ref := NormalizeRecordRef(options.RecordRef)
		where = append(where, `(lower(replace(record_hash, '0x', '')) = ? OR lower(replace(record_id, '0x', '')) = ?)`)
		args = append(args, ref, ref)
	}
	if options.ActorRef != "" {
		where = append(where, `actor_email = ?`)
		args = append(args, NormalizeActorRef(options.ActorRef))
	}
	if options.OwnerRef != "" {
		where = append(where, `owner_email = ?`)
		args = append(args, NormalizeActorRef(options.OwnerRef))
	}
	if options.Action != "" {
		where = append(where, `upper(action) = ?`)
		args = append(args, strings.ToUpper(options.Action))
	}
	if options.Since != nil {
		where = append(where, `accessed_ms >= ?`)
		args = append(args, options.Since.UnixMilli())
	}
	if options.Until != nil {
		where = append(where, `accessed_ms <= ?`)
		args = append(args, options.Until.UnixMilli())
	}

	query := `SELECT id, record_id, record_hash, actor_email, actor_name, owner_email, action,
		accessed_at, metadata, grantee, expires_at FROM audit_trail`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY accessed_ms DESC, id ASC"
	if options.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, options.Limit, options.Offset)
	} else if options.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, options.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err = rows.Scan(&e.ID, &e.RecordID, &e.RecordHash, &e.ActorEmail, &e.ActorName, &e.OwnerEmail,
			&e.Action, &e.AccessedAt, &e.Metadata, &e.Grantee, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit rows: %w", err)
	}
	return entries, nil
}

func (s *SQLLogStore) Close() error {
	return s.db.Close()
}
