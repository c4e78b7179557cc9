package audit

import (
	"sort"
	"strconv"
	"time"
)

// Grant is a capability inferred from GRANT_ACCESS and REVOKE_ACCESS events
type Grant struct {
	Owner     string      `json:"owner"`
	Grantee   string      `json:"grantee"`
	RecordRef string      `json:"record_ref"`
	Expiry    *time.Time  `json:"expiry,omitempty"`
	GrantedAt time.Time   `json:"granted_at"`
	AuditID   string      `json:"audit_id"`
	Trust     SourceTrust `json:"source_trust"`
}

// ActiveGrants replays the grant and revoke events of a trail in chronological order and
// returns the grants still in force at now. Events without a grantee are ignored.
func ActiveGrants(trail []Event, now time.Time) []Grant {
	events := make([]Event, 0)
	for _, e := range trail {
		if (e.Action == ActionGrantAccess || e.Action == ActionRevokeAccess) && e.Metadata[MetaGrantee] != "" {
			events = append(events, e)
		}
	}
	// oldest first; at equal times the ledger variant is applied last
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.LedgerVerified() != b.LedgerVerified() {
			return b.LedgerVerified()
		}
		return a.AuditID < b.AuditID
	})

	type key struct{ record, grantee string }
	active := make(map[key]Grant)
	for _, e := range events {
		k := key{e.RecordRef, e.Metadata[MetaGrantee]}
		if e.Action == ActionRevokeAccess {
			delete(active, k)
			continue
		}
		g := Grant{
			Owner:     e.Metadata[MetaOwner],
			Grantee:   k.grantee,
			RecordRef: e.RecordRef,
			GrantedAt: e.Time(),
			AuditID:   e.AuditID,
			Trust:     e.Trust,
		}
		if g.Owner == "" {
			g.Owner = e.Actor
		}
		if ms, err := strconv.ParseInt(e.Metadata[MetaExpiry], 10, 64); err == nil && ms > 0 {
			exp := time.UnixMilli(ms).UTC()
			g.Expiry = &exp
		}
		active[k] = g
	}

	grants := make([]Grant, 0, len(active))
	for _, g := range active {
		if g.Expiry != nil && !g.Expiry.After(now) {
			continue
		}
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].RecordRef != grants[j].RecordRef {
			return grants[i].RecordRef < grants[j].RecordRef
		}
		return grants[i].Grantee < grants[j].Grantee
	})
	return grants
}
