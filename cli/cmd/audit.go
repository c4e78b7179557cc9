package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/custody"
	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/internal/misc"
)

var (
	auditJSONOutput bool
	auditSince      string
	auditUntil      string
	auditAction     string
	auditRecord     string
	auditActor      string
	auditOwner      string
	auditLimit      int
	auditOffset     int
	auditDetails    bool
	auditExpires    time.Duration
	auditNote       string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and reconcile the audit trail",
	Long: `Query the off-chain access log, reconcile it with the ledger into one trail and
record access grants.

The ledger is authoritative; when it cannot be reached the trail is labelled
"partial trail: not blockchain-verified".`,
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Query rows of the off-chain access log",
	Long: `Query rows of the off-chain access log.

Examples:
  # Recent rows for a record
  custody audit log --record 9f86d081884c7d65

  # Downloads by one actor since a date
  custody audit log --actor dr.lee@citygeneral.org --action DOWNLOAD --since 2024-01-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runAuditLog,
}

var auditTrailCmd = &cobra.Command{
	Use:   "trail",
	Short: "Show the reconciled audit trail of a record or actor",
	Args:  cobra.NoArgs,
	RunE:  runAuditTrail,
}

var auditGrantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Show the access grants in force for a record",
	Args:  cobra.NoArgs,
	RunE:  runAuditGrants,
}

var auditGrantCmd = &cobra.Command{
	Use:   "grant <record-ref> <grantee>",
	Short: "Grant a grantee access to a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuditGrant,
}

var auditRevokeCmd = &cobra.Command{
	Use:   "revoke <record-ref> <grantee>",
	Short: "Revoke a grantee's access to a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuditRevoke,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics of a reconciled trail",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditLogCmd)
	auditCmd.AddCommand(auditTrailCmd)
	auditCmd.AddCommand(auditGrantsCmd)
	auditCmd.AddCommand(auditGrantCmd)
	auditCmd.AddCommand(auditRevokeCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	for _, c := range []*cobra.Command{auditLogCmd, auditTrailCmd, auditGrantsCmd, auditStatsCmd} {
		c.Flags().StringVar(&auditRecord, "record", "", "record reference (integrity hash or record id)")
	}
	for _, c := range []*cobra.Command{auditLogCmd, auditTrailCmd, auditStatsCmd} {
		c.Flags().StringVar(&auditActor, "actor-ref", "", "actor reference (address or email)")
	}

	auditLogCmd.Flags().StringVar(&auditOwner, "owner", "", "Filter by record owner")
	auditLogCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	registerCompletion(auditLogCmd, "action", string(audit.ActionView), string(audit.ActionDownload),
		string(audit.ActionGrantAccess), string(audit.ActionRevokeAccess), string(audit.ActionCommitRecord))
	auditLogCmd.Flags().StringVar(&auditSince, "since", "", "Show rows since this time (RFC3339 format)")
	auditLogCmd.Flags().StringVar(&auditUntil, "until", "", "Show rows until this time (RFC3339 format)")
	auditLogCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of rows to return")
	auditLogCmd.Flags().IntVar(&auditOffset, "offset", 0, "Number of rows to skip")

	auditGrantCmd.Flags().DurationVar(&auditExpires, "expires", 0, "grant lifetime, 0 for no expiry")
	for _, c := range []*cobra.Command{auditGrantCmd, auditRevokeCmd} {
		c.Flags().StringVar(&auditNote, "note", "", "free text stored with the event")
	}
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		RecordRef: auditRecord,
		ActorRef:  auditActor,
		OwnerRef:  auditOwner,
		Limit:     auditLimit,
		Offset:    auditOffset,
	}
	if auditAction != "" {
		action, ok := audit.ParseAction(auditAction)
		if !ok {
			return options, fmt.Errorf("unknown action: %s", auditAction)
		}
		options.Action = string(action)
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}
	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}
	return options, nil
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	logs, err := openLogStore()
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer logs.Close()

	rows, err := logs.Query(cmd.Context(), options)
	if err != nil {
		return err
	}
	if auditJSONOutput {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No log rows found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ACCESSED AT\tACTION\tACTOR\tRECORD\tGRANTEE\n")
	for _, row := range rows {
		record := row.RecordHash
		if record == "" {
			record = row.RecordID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.AccessedAt, row.Action, row.ActorEmail, misc.ShortRef(record), row.Grantee)
	}
	return w.Flush()
}

func reconcile(cmd *cobra.Command) (*audit.Trail, error) {
	if auditRecord == "" && auditActor == "" {
		return nil, fmt.Errorf("--record or --actor-ref is required")
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	dir, err := openDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity directory: %w", err)
	}

	r := &audit.Reconciler{
		Logs:    s.logs,
		Merger:  audit.Merger{Window: viper.GetDuration("audit.window")},
		Timeout: viper.GetDuration("ledger.timeout"),
		Log:     log,
	}
	if s.ledger != nil {
		r.Ledger = s.ledger
	}
	if dir != nil {
		r.Directory = dir
		r.Merger.ActorKey = audit.DirectoryActorKey(dir)
	}
	return r.Trail(ctx, audit.TrailQuery{RecordRef: auditRecord, ActorRef: auditActor})
}

func runAuditTrail(cmd *cobra.Command, args []string) error {
	trail, err := reconcile(cmd)
	if err != nil {
		return err
	}
	if auditJSONOutput {
		return printJSON(struct {
			*audit.Trail
			Label string `json:"label"`
		}{trail, trail.Label()})
	}

	fmt.Println(trail.Label())
	if trail.Skipped > 0 {
		fmt.Printf("%d malformed events skipped\n", trail.Skipped)
	}
	fmt.Println()
	return displayTrail(trail.Events)
}

func displayTrail(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if auditDetails {
		for _, e := range events {
			fmt.Fprintf(w, "Audit ID:\t%s\n", e.AuditID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", e.Time().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", e.Action)
			fmt.Fprintf(w, "Actor:\t%s (%s)\n", identityName(e), e.Actor)
			fmt.Fprintf(w, "Record:\t%s\n", e.RecordRef)
			fmt.Fprintf(w, "Source:\t%s\n", e.Trust)
			if len(e.Metadata) > 0 {
				keys := make([]string, 0, len(e.Metadata))
				for k := range e.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%s ", k, e.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}
			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tACTOR\tRECORD\tSOURCE\n")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Time().Format("2006-01-02 15:04:05"), e.Action, identityName(e), misc.ShortRef(e.RecordRef), e.Trust)
	}
	return w.Flush()
}

func identityName(e audit.Event) string {
	if e.Identity == nil {
		return audit.ShortIdentifier(e.Actor)
	}
	if e.Identity.Role != "" {
		return e.Identity.Name + ", " + e.Identity.Role
	}
	return e.Identity.Name
}

func runAuditGrants(cmd *cobra.Command, args []string) error {
	if auditRecord == "" {
		return fmt.Errorf("--record is required")
	}
	trail, err := reconcile(cmd)
	if err != nil {
		return err
	}
	grants := audit.ActiveGrants(trail.Events, time.Now())
	if auditJSONOutput {
		return printJSON(grants)
	}

	fmt.Println(trail.Label())
	if len(grants) == 0 {
		fmt.Println("No active grants.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "GRANTEE\tOWNER\tGRANTED\tEXPIRES\tSOURCE\n")
	for _, g := range grants {
		expires := "never"
		if g.Expiry != nil {
			expires = g.Expiry.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			g.Grantee, g.Owner, g.GrantedAt.Format(time.RFC3339), expires, g.Trust)
	}
	return w.Flush()
}

func runAuditGrant(cmd *cobra.Command, args []string) error {
	ev := custody.AccessEvent{RecordRef: args[0], Grantee: args[1], Note: auditNote}
	if auditExpires > 0 {
		ev.Expiry = time.Now().Add(auditExpires)
	}
	return emitAccessEvent(cmd, audit.ActionGrantAccess, ev)
}

func runAuditRevoke(cmd *cobra.Command, args []string) error {
	return emitAccessEvent(cmd, audit.ActionRevokeAccess, custody.AccessEvent{RecordRef: args[0], Grantee: args[1], Note: auditNote})
}

func emitAccessEvent(cmd *cobra.Command, action audit.Action, ev custody.AccessEvent) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	ev.Actor = actorRef()
	ev.Owner = ev.Actor
	receipt, err := s.committer.Emit(ctx, action, ev)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s on %s\n", action, ev.Grantee, misc.ShortRef(ev.RecordRef))
	printAuditReceipt(receipt)
	return nil
}

// TrailStats summarises a reconciled trail
type TrailStats struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Label           string         `json:"label"`
	TotalEvents     int            `json:"total_events"`
	LedgerVerified  int            `json:"ledger_verified"`
	OffChainOnly    int            `json:"off_chain_only"`
	Skipped         int            `json:"skipped"`
	ActionBreakdown map[string]int `json:"action_breakdown"`
	TopActors       []ActorCount   `json:"top_actors"`
	FirstEvent      *time.Time     `json:"first_event,omitempty"`
	LastEvent       *time.Time     `json:"last_event,omitempty"`
}

type ActorCount struct {
	Actor string `json:"actor"`
	Count int    `json:"count"`
}

func calculateTrailStats(trail *audit.Trail) TrailStats {
	stats := TrailStats{
		GeneratedAt:     time.Now().UTC(),
		Label:           trail.Label(),
		TotalEvents:     len(trail.Events),
		Skipped:         trail.Skipped,
		ActionBreakdown: make(map[string]int),
	}
	actors := make(map[string]int)
	for _, e := range trail.Events {
		if e.LedgerVerified() {
			stats.LedgerVerified++
		} else {
			stats.OffChainOnly++
		}
		stats.ActionBreakdown[string(e.Action)]++
		actors[identityName(e)]++

		t := e.Time()
		if stats.FirstEvent == nil || t.Before(*stats.FirstEvent) {
			stats.FirstEvent = &t
		}
		if stats.LastEvent == nil || t.After(*stats.LastEvent) {
			stats.LastEvent = &t
		}
	}
	stats.TopActors = topActors(actors, 5)
	return stats
}

func topActors(counts map[string]int, limit int) []ActorCount {
	out := make([]ActorCount, 0, len(counts))
	for actor, n := range counts {
		out = append(out, ActorCount{Actor: actor, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Actor < out[j].Actor
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	trail, err := reconcile(cmd)
	if err != nil {
		return err
	}
	stats := calculateTrailStats(trail)
	if auditJSONOutput {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", stats.Label)
	fmt.Fprintf(w, "Events:\t%d (%d ledger verified, %d off-chain only)\n", stats.TotalEvents, stats.LedgerVerified, stats.OffChainOnly)
	if stats.Skipped > 0 {
		fmt.Fprintf(w, "Skipped:\t%d malformed\n", stats.Skipped)
	}
	if stats.FirstEvent != nil {
		fmt.Fprintf(w, "Period:\t%s .. %s\n", stats.FirstEvent.Format(time.RFC3339), stats.LastEvent.Format(time.RFC3339))
	}

	actions := make([]string, 0, len(stats.ActionBreakdown))
	for a := range stats.ActionBreakdown {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(w, "  %s:\t%d\n", strings.ToLower(a), stats.ActionBreakdown[a])
	}
	for _, a := range stats.TopActors {
		fmt.Fprintf(w, "  %s:\t%d\n", a.Actor, a.Count)
	}
	return w.Flush()
}
