// Package ledger connects the audit trail to the append-only ledger that anchors record
// commitments and access events. The ledger is read for verified history and written
// when records are committed, viewed, downloaded or shared.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"southwinds.dev/custody/audit"
)

var ErrInvalidArgs = errors.New("invalid ledger arguments")

// Source reads the verified event history of a record
type Source interface {
	GetEvents(ctx context.Context, recordRef string) ([]audit.LedgerEvent, error)
}

// Sink appends events to the ledger on behalf of signer
type Sink interface {
	Submit(ctx context.Context, action audit.Action, args Args, signer string) (*Receipt, error)
}

// Ledger is the full read/write surface
type Ledger interface {
	Source
	Sink
	AccessInfo(ctx context.Context, owner, grantee, recordRef string) (*Access, error)
}

// Args are the call arguments of a ledger submission
type Args struct {
	RecordRef string
	Owner     string    // record owner, required for VIEW and DOWNLOAD
	Grantee   string    // required for GRANT_ACCESS and REVOKE_ACCESS
	Expiry    time.Time // zero means the grant does not expire
	Metadata  string    // e.g. viewer type
}

// Receipt identifies the ledger transaction of a submission
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	AuditID     string `json:"auditId"`
}

// Access is the answer to an access check
type Access struct {
	HasAccess bool       `json:"hasAccess"`
	Expiry    *time.Time `json:"expiry,omitempty"`
}

var eventNames = map[audit.Action]string{
	audit.ActionView:         "RECORD_VIEWED",
	audit.ActionDownload:     "RECORD_DOWNLOADED",
	audit.ActionGrantAccess:  "ACCESS_GRANTED",
	audit.ActionRevokeAccess: "ACCESS_REVOKED",
	audit.ActionCommitRecord: "RECORD_COMMITTED",
}

// EventName returns the name the ledger records for action
func EventName(action audit.Action) (string, error) {
	name, ok := eventNames[action]
	if !ok {
		return "", fmt.Errorf("%w: action %q cannot be submitted", ErrInvalidArgs, action)
	}
	return name, nil
}

func (a Args) validate(action audit.Action, signer string) error {
	if _, err := EventName(action); err != nil {
		return err
	}
	if strings.TrimSpace(signer) == "" {
		return fmt.Errorf("%w: signer is required", ErrInvalidArgs)
	}
	if audit.NormalizeRecordRef(a.RecordRef) == "" {
		return fmt.Errorf("%w: record reference is required", ErrInvalidArgs)
	}
	switch action {
	case audit.ActionGrantAccess, audit.ActionRevokeAccess:
		if strings.TrimSpace(a.Grantee) == "" {
			return fmt.Errorf("%w: grantee is required for %s", ErrInvalidArgs, action)
		}
	case audit.ActionView, audit.ActionDownload:
		if strings.TrimSpace(a.Owner) == "" {
			return fmt.Errorf("%w: owner is required for %s", ErrInvalidArgs, action)
		}
	}
	return nil
}

// hexRef renders a record reference the way the ledger stores it
func hexRef(ref string) string {
	return "0x" + audit.NormalizeRecordRef(ref)
}
