package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"southwinds.dev/custody/internal/misc"
)

// Merger reconciles normalized events from several sources into one trail.
//
// Duplicates are resolved in three steps:
//  1. events sharing an AuditID collapse to one, the ledger variant winning;
//  2. a log-only event is dropped when a ledger event with the same actor key,
//     action and record lies within Window of it;
//  3. remaining log-only events with the same key in the same Window bucket
//     (floor(timestamp / Window)) collapse to the earliest one.
//
// Ledger events are only ever deduplicated by AuditID. Events with an unknown actor or
// record skip steps 2 and 3 since they cannot be matched reliably. Every step is a set
// operation with a total tie-break, so the result does not depend on input order and
// merging a merged trail returns it unchanged.
type Merger struct {
	// Window is the tolerance between ledger confirmation and log write, default 5m
	Window time.Duration

	// ActorKey maps an actor reference to the identity used for matching,
	// e.g. a wallet address and an email of the same person. Defaults to the lowercased ref.
	ActorKey func(actor string) string
}

func DefaultMerger() Merger {
	return Merger{Window: misc.DefaultDedupWindow}
}

// Merge uses the default merger
func Merge(sets ...[]Event) []Event {
	return DefaultMerger().Merge(sets...)
}

func (m Merger) window() int64 {
	if m.Window <= 0 {
		return misc.DefaultDedupWindow.Milliseconds()
	}
	if ms := m.Window.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func (m Merger) actorKey(actor string) string {
	if m.ActorKey != nil {
		return m.ActorKey(actor)
	}
	return NormalizeActorRef(actor)
}

// matchKey identifies "the same action" across sources, or "" when the event cannot be matched
func (m Merger) matchKey(e Event) string {
	if e.Actor == UnknownActor || e.RecordRef == UnknownRecord {
		return ""
	}
	action := string(e.Action)
	if raw, ok := e.Metadata[MetaRawAction]; ok {
		action += ":" + raw
	}
	return m.actorKey(e.Actor) + "|" + action + "|" + e.RecordRef
}

func (m Merger) Merge(sets ...[]Event) []Event {
	// step 1: one event per audit id
	byID := make(map[string]Event)
	for _, set := range sets {
		for _, e := range set {
			if cur, ok := byID[e.AuditID]; !ok || preferred(e, cur) {
				byID[e.AuditID] = e
			}
		}
	}

	ledgerByKey := make(map[string][]int64)
	var ledger, logs []Event
	for _, e := range byID {
		if e.LedgerVerified() {
			ledger = append(ledger, e)
			if k := m.matchKey(e); k != "" {
				ledgerByKey[k] = append(ledgerByKey[k], e.Timestamp)
			}
		} else {
			logs = append(logs, e)
		}
	}

	// steps 2 and 3
	window := m.window()
	buckets := make(map[string]Event)
	out := ledger
	for _, e := range logs {
		k := m.matchKey(e)
		if k == "" {
			out = append(out, e)
			continue
		}
		if withinWindow(ledgerByKey[k], e.Timestamp, window) {
			continue
		}
		bk := fmt.Sprintf("%s|%d", k, floorDiv(e.Timestamp, window))
		if cur, ok := buckets[bk]; !ok || earlier(e, cur) {
			buckets[bk] = e
		}
	}
	for _, e := range buckets {
		out = append(out, e)
	}

	SortTrail(out)
	if out == nil {
		out = []Event{}
	}
	return out
}

// SortTrail orders events newest first; ties put ledger events first, then audit id
func SortTrail(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		if a.LedgerVerified() != b.LedgerVerified() {
			return a.LedgerVerified()
		}
		return a.AuditID < b.AuditID
	})
}

// preferred reports whether a should replace b for the same audit id
func preferred(a, b Event) bool {
	if a.LedgerVerified() != b.LedgerVerified() {
		return a.LedgerVerified()
	}
	return contentKey(a) < contentKey(b)
}

func earlier(a, b Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.AuditID != b.AuditID {
		return a.AuditID < b.AuditID
	}
	return contentKey(a) < contentKey(b)
}

// contentKey is a total order over event content used only for tie-breaks
func contentKey(e Event) string {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%020d|%s|%s|%s|%s", e.Timestamp, e.Actor, e.Action, e.RecordRef, e.Trust)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%s", k, e.Metadata[k])
	}
	return sb.String()
}

func withinWindow(timestamps []int64, ts, window int64) bool {
	for _, t := range timestamps {
		d := t - ts
		if d < 0 {
			d = -d
		}
		if d <= window {
			return true
		}
	}
	return false
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FilterByRecord returns the events about ref in a new slice
func FilterByRecord(trail []Event, ref string) []Event {
	ref = NormalizeRecordRef(ref)
	out := make([]Event, 0)
	for _, e := range trail {
		if e.RecordRef == ref {
			out = append(out, e)
		}
	}
	return out
}

// FilterByActor returns the events performed by ref in a new slice
func FilterByActor(trail []Event, ref string) []Event {
	return DefaultMerger().FilterByActor(trail, ref)
}

// FilterByActor matches through ActorKey so aliases of the same identity are included
func (m Merger) FilterByActor(trail []Event, ref string) []Event {
	key := m.actorKey(NormalizeActorRef(ref))
	out := make([]Event, 0)
	for _, e := range trail {
		if m.actorKey(e.Actor) == key {
			out = append(out, e)
		}
	}
	return out
}
