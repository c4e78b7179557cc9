package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxLedgerSeconds is 9999-12-31T23:59:59Z
const maxLedgerSeconds = 253402300799

var logTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// Normalize converts any raw event into the canonical shape
func Normalize(raw RawEvent) (Event, error) {
	switch r := raw.(type) {
	case LedgerEvent:
		return FromLedgerEvent(r)
	case *LedgerEvent:
		if r == nil {
			return Event{}, &MalformedEventError{Source: SourceLedger, Reason: "nil event"}
		}
		return FromLedgerEvent(*r)
	case LogEntry:
		return FromLogEntry(r)
	case *LogEntry:
		if r == nil {
			return Event{}, &MalformedEventError{Source: SourceLog, Reason: "nil entry"}
		}
		return FromLogEntry(*r)
	default:
		return Event{}, &MalformedEventError{Reason: fmt.Sprintf("unsupported raw event %T", raw)}
	}
}

// NormalizeAll normalizes every raw event, skipping and counting malformed ones
func NormalizeAll(raws []RawEvent) (events []Event, skipped int, errs []error) {
	events = make([]Event, 0, len(raws))
	for _, raw := range raws {
		e, err := Normalize(raw)
		if err != nil {
			skipped++
			errs = append(errs, err)
			continue
		}
		events = append(events, e)
	}
	return events, skipped, errs
}

// FromLedgerEvent maps a ledger event; the result is ledger-verified
func FromLedgerEvent(raw LedgerEvent) (Event, error) {
	if strings.TrimSpace(raw.Action) == "" {
		return Event{}, &MalformedEventError{Source: SourceLedger, ID: raw.AuditID, Reason: "missing action"}
	}
	if raw.Timestamp <= 0 || raw.Timestamp > maxLedgerSeconds {
		return Event{}, &MalformedEventError{Source: SourceLedger, ID: raw.AuditID,
			Reason: fmt.Sprintf("invalid timestamp %d", raw.Timestamp)}
	}

	meta := parseMetadata(raw.Metadata)
	if raw.Grantee != "" && !isZeroHex(raw.Grantee) {
		meta[MetaGrantee] = NormalizeActorRef(raw.Grantee)
	}
	if raw.Expiry > 0 {
		meta[MetaExpiry] = strconv.FormatInt(raw.Expiry*1000, 10)
	}
	if raw.TxHash != "" {
		meta[MetaTxHash] = strings.ToLower(raw.TxHash)
	}
	if raw.BlockNumber > 0 {
		meta[MetaBlockNumber] = strconv.FormatUint(raw.BlockNumber, 10)
	}

	e := Event{
		Actor:     actorOrUnknown(raw.Actor),
		Action:    canonicalAction(raw.Action, meta),
		RecordRef: recordOrUnknown(raw.RecordHash),
		Timestamp: raw.Timestamp * 1000,
		Trust:     TrustLedgerVerified,
	}
	e.Metadata = nilIfEmpty(meta)
	e.AuditID = auditIDOrDerived(raw.AuditID, SourceLedger, e)
	return e, nil
}

// FromLogEntry maps an off-chain log row; the result is log-only
func FromLogEntry(raw LogEntry) (Event, error) {
	if strings.TrimSpace(raw.Action) == "" {
		return Event{}, &MalformedEventError{Source: SourceLog, ID: raw.ID, Reason: "missing action"}
	}
	ts, err := ParseLogTime(raw.AccessedAt)
	if err != nil {
		return Event{}, &MalformedEventError{Source: SourceLog, ID: raw.ID, Reason: err.Error()}
	}

	meta := parseMetadata(raw.Metadata)
	if raw.ActorName != "" {
		meta[MetaActorName] = raw.ActorName
	}
	if raw.OwnerEmail != "" {
		meta[MetaOwner] = NormalizeActorRef(raw.OwnerEmail)
	}
	if raw.Grantee != "" {
		meta[MetaGrantee] = NormalizeActorRef(raw.Grantee)
	}
	if raw.ExpiresAt != "" {
		if exp, err := ParseLogTime(raw.ExpiresAt); err == nil {
			meta[MetaExpiry] = strconv.FormatInt(exp.UnixMilli(), 10)
		}
	}

	// the record hash is what the ledger knows, so it wins over the row id
	recordRef := raw.RecordHash
	if strings.TrimSpace(recordRef) == "" {
		recordRef = raw.RecordID
	} else if raw.RecordID != "" {
		meta[MetaRecordID] = raw.RecordID
	}

	e := Event{
		Actor:     actorOrUnknown(raw.ActorEmail),
		Action:    canonicalAction(raw.Action, meta),
		RecordRef: recordOrUnknown(recordRef),
		Timestamp: ts.UnixMilli(),
		Trust:     TrustLogOnly,
	}
	e.Metadata = nilIfEmpty(meta)
	e.AuditID = auditIDOrDerived(raw.ID, SourceLog, e)
	return e, nil
}

// ParseLogTime parses the ISO-8601 forms written by the log stores and by Postgres.
// Values without a zone are read as UTC.
func ParseLogTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range logTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Unix() <= 0 {
				return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func canonicalAction(raw string, meta map[string]string) Action {
	a, ok := ParseAction(raw)
	if !ok {
		meta[MetaRawAction] = raw
	}
	return a
}

// parseMetadata accepts a flat JSON object or free text
func parseMetadata(s string) map[string]string {
	meta := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return meta
	}
	if strings.HasPrefix(s, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			for k, v := range obj {
				switch val := v.(type) {
				case string:
					meta[k] = val
				case nil:
				default:
					b, _ := json.Marshal(val)
					meta[k] = string(b)
				}
			}
			return meta
		}
	}
	meta[MetaNote] = s
	return meta
}

func actorOrUnknown(actor string) string {
	actor = NormalizeActorRef(actor)
	if actor == "" || isZeroHex(actor) {
		return UnknownActor
	}
	return actor
}

func recordOrUnknown(ref string) string {
	ref = NormalizeRecordRef(ref)
	if ref == "" || isZeroHex(ref) {
		return UnknownRecord
	}
	return ref
}

// isZeroHex reports whether s is a hex zero value such as the zero address or bytes32(0)
func isZeroHex(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return false
	}
	return strings.Trim(s, "0") == ""
}

func auditIDOrDerived(id string, source Source, e Event) string {
	id = strings.TrimSpace(id)
	if id != "" && !isZeroHex(id) {
		if source == SourceLedger {
			return strings.ToLower(id)
		}
		return id
	}
	return DeriveAuditID(source, e)
}

// DeriveAuditID is sha256(source|actor|action|record|timestamp) in hex
func DeriveAuditID(source Source, e Event) string {
	action := string(e.Action)
	if raw, ok := e.Metadata[MetaRawAction]; ok {
		action += ":" + raw
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", source, e.Actor, action, e.RecordRef, e.Timestamp)))
	return hex.EncodeToString(h[:])
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
