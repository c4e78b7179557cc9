package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultSourceTimeout = 10 * time.Second
	maxLedgerFanOut      = 8
)

// LedgerSource reads the authoritative, append-only event history of a record
type LedgerSource interface {
	GetEvents(ctx context.Context, recordRef string) ([]LedgerEvent, error)
}

// LogSource reads rows of the off-chain audit log
type LogSource interface {
	Query(ctx context.Context, options QueryOptions) ([]LogEntry, error)
}

// TrailQuery scopes a trail to a record, an actor, or both
type TrailQuery struct {
	RecordRef string
	ActorRef  string
}

// Trail is a reconciled, identity enriched timeline
type Trail struct {
	Events []Event `json:"events"`

	// Verified is true when the ledger answered; events are then corroborated where possible
	Verified bool `json:"verified"`

	// Unavailable lists the sources that could not be reached
	Unavailable []Source `json:"unavailable,omitempty"`

	// Skipped counts raw events rejected by the normalizer
	Skipped int `json:"skipped"`
}

const (
	LabelVerified       = "blockchain-verified trail"
	LabelNotVerified    = "partial trail: not blockchain-verified"
	LabelLogUnavailable = "partial trail: off-chain log unavailable"
)

// Label is the user visible verification status of the trail
func (t *Trail) Label() string {
	switch {
	case !t.Verified:
		return LabelNotVerified
	case len(t.Unavailable) > 0:
		return LabelLogUnavailable
	default:
		return LabelVerified
	}
}

func (t *Trail) Partial() bool {
	return len(t.Unavailable) > 0
}

// Reconciler answers trail queries from a ledger and an off-chain log. Either source may
// be missing or failing; the trail then degrades to what the other source provides.
type Reconciler struct {
	Ledger    LedgerSource
	Logs      LogSource
	Directory Directory
	Merger    Merger
	// Timeout bounds every single source call, default 10s
	Timeout time.Duration
	Log     *logrus.Logger
}

func (r *Reconciler) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultSourceTimeout
	}
	return r.Timeout
}

func (r *Reconciler) logger() *logrus.Logger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

type fetchResult struct {
	raws []RawEvent
	err  error
}

// Trail fetches both sources concurrently, normalizes, merges and enriches the result.
// It fails with ErrSourceUnavailable only when no source could be read.
func (r *Reconciler) Trail(ctx context.Context, q TrailQuery) (*Trail, error) {
	if q.RecordRef == "" && q.ActorRef == "" {
		return nil, fmt.Errorf("trail query requires a record or an actor reference")
	}

	var (
		ledgerRes, logRes fetchResult
		refs              []string
	)
	if q.RecordRef != "" {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ledgerRes = r.fetchLedger(ctx, []string{q.RecordRef})
		}()
		go func() {
			defer wg.Done()
			logRes = r.fetchLogs(ctx, QueryOptions{RecordRef: q.RecordRef})
		}()
		wg.Wait()

		// a record id matches log rows by record_id; the ledger only knows their hashes
		refs = []string{NormalizeRecordRef(q.RecordRef)}
		var hashes []string
		for _, ref := range recordRefs(logRes.raws) {
			if ref != refs[0] {
				hashes = append(hashes, ref)
			}
		}
		if len(hashes) > 0 && ledgerRes.err == nil {
			more := r.fetchLedger(ctx, hashes)
			ledgerRes.raws = append(ledgerRes.raws, more.raws...)
			ledgerRes.err = more.err
		}
		refs = append(refs, hashes...)
	} else {
		// the ledger is indexed by record, so an actor query discovers records through the log
		logRes = r.fetchLogs(ctx, QueryOptions{ActorRef: q.ActorRef})
		if logRes.err != nil {
			ledgerRes.err = fmt.Errorf("no record references to query: %w", logRes.err)
		} else {
			refs = recordRefs(logRes.raws)
			ledgerRes = r.fetchLedger(ctx, refs)
		}
	}

	// an actor without log rows leaves nothing to ask the ledger about
	trail := &Trail{Verified: ledgerRes.err == nil && len(refs) > 0}
	var errs []error
	if ledgerRes.err != nil {
		trail.Unavailable = append(trail.Unavailable, SourceLedger)
		errs = append(errs, &SourceError{Source: SourceLedger, Err: ledgerRes.err})
		r.logger().WithError(ledgerRes.err).WithField("source", SourceLedger).Warn("audit source unavailable")
	}
	if logRes.err != nil {
		trail.Unavailable = append(trail.Unavailable, SourceLog)
		errs = append(errs, &SourceError{Source: SourceLog, Err: logRes.err})
		r.logger().WithError(logRes.err).WithField("source", SourceLog).Warn("audit source unavailable")
	}
	if len(errs) == 2 {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
	}

	ledgerEvents, skippedLedger, badLedger := NormalizeAll(ledgerRes.raws)
	logEvents, skippedLogs, badLogs := NormalizeAll(logRes.raws)
	trail.Skipped = skippedLedger + skippedLogs
	for _, err := range append(badLedger, badLogs...) {
		r.logger().WithError(err).Debug("skipping malformed audit event")
	}

	events := r.Merger.Merge(ledgerEvents, logEvents)
	if q.RecordRef != "" {
		events = filterByRecords(events, refs)
	}
	if q.ActorRef != "" {
		events = r.Merger.FilterByActor(events, q.ActorRef)
	}
	for i := range events {
		events[i] = EnrichIdentity(events[i], r.Directory)
	}
	trail.Events = events

	r.logger().WithFields(logrus.Fields{
		"record_ref": q.RecordRef,
		"actor_ref":  q.ActorRef,
		"events":     len(events),
		"skipped":    trail.Skipped,
		"verified":   trail.Verified,
	}).Debug("audit trail reconciled")
	return trail, nil
}

func (r *Reconciler) fetchLogs(ctx context.Context, options QueryOptions) fetchResult {
	if r.Logs == nil {
		return fetchResult{err: errors.New("no log source configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	entries, err := r.Logs.Query(ctx, options)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return fetchResult{err: err}
	}
	raws := make([]RawEvent, 0, len(entries))
	for _, e := range entries {
		raws = append(raws, e)
	}
	return fetchResult{raws: raws}
}

// fetchLedger queries every record ref with bounded parallelism. Any failed ref marks the
// ledger as unavailable, while events already read are kept.
func (r *Reconciler) fetchLedger(ctx context.Context, refs []string) fetchResult {
	if r.Ledger == nil {
		return fetchResult{err: errors.New("no ledger source configured")}
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		res  fetchResult
		errs []error
	)
	sem := make(chan struct{}, maxLedgerFanOut)
	for _, ref := range refs {
		wg.Add(1)
		sem <- struct{}{}
		go func(ref string) {
			defer wg.Done()
			defer func() { <-sem }()

			cctx, cancel := context.WithTimeout(ctx, r.timeout())
			defer cancel()
			events, err := r.Ledger.GetEvents(cctx, ref)
			if err == nil {
				err = cctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", ref, err))
				return
			}
			for _, e := range events {
				res.raws = append(res.raws, e)
			}
		}(ref)
	}
	wg.Wait()
	res.err = errors.Join(errs...)
	return res
}

func filterByRecords(trail []Event, refs []string) []Event {
	keep := make(map[string]bool, len(refs))
	for _, ref := range refs {
		keep[NormalizeRecordRef(ref)] = true
	}
	out := make([]Event, 0)
	for _, e := range trail {
		if keep[e.RecordRef] {
			out = append(out, e)
		}
	}
	return out
}

// recordRefs returns the distinct known record refs of log rows, sorted
func recordRefs(raws []RawEvent) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, raw := range raws {
		e, err := Normalize(raw)
		if err != nil || e.RecordRef == UnknownRecord || seen[e.RecordRef] {
			continue
		}
		seen[e.RecordRef] = true
		refs = append(refs, e.RecordRef)
	}
	sort.Strings(refs)
	return refs
}
