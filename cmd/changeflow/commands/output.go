package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/policy"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printChangeRequest prints a change request, and the error it failed with
// if there was one.
func printChangeRequest(w io.Writer, cr *engine.ChangeRequest, opErr error) error {
	if jsonOutput {
		if cr != nil {
			if err := printJSON(w, cr); err != nil {
				return err
			}
		}
		return opErr
	}
	if cr == nil {
		return opErr
	}

	fmt.Fprintf(w, "Change request %s\n", cr.ID)
	fmt.Fprintf(w, "  State:      %s", cr.State)
	if cr.Verdict != "" {
		fmt.Fprintf(w, " (%s)", cr.Verdict)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Tenant:     %s\n", cr.TenantID)
	fmt.Fprintf(w, "  Workspace:  %s\n", cr.WorkspaceID)
	fmt.Fprintf(w, "  Purpose:    %s (%s)\n", cr.Intent.Purpose, cr.Intent.Action)
	fmt.Fprintf(w, "  Requester:  %s\n", cr.Intent.RequesterID)
	if cr.BlueprintID != "" {
		reused := ""
		if cr.BlueprintReused {
			reused = " (reused)"
		}
		fmt.Fprintf(w, "  Blueprint:  %s%s\n", cr.BlueprintID, reused)
	}
	if cr.LineageID != "" {
		fmt.Fprintf(w, "  Amends:     %s\n", cr.LineageID)
	}
	if s := cr.ChangesSummary; s != nil {
		fmt.Fprintf(w, "  Plan:       %d to add, %d to change, %d to destroy\n", s.Add, s.Change, s.Destroy)
	}
	if cr.ApproverID != "" {
		fmt.Fprintf(w, "  Approver:   %s\n", cr.ApproverID)
	}
	if cr.GateExpiresAt != nil {
		fmt.Fprintf(w, "  Gates expire: %s\n", ts(*cr.GateExpiresAt))
	}
	if len(cr.GateResults) > 0 {
		fmt.Fprintln(w, "  Gates:")
		for _, g := range cr.GateResults {
			note := ""
			if g.Overridden {
				note = " (overridden)"
			}
			fmt.Fprintf(w, "    %-8s %s%s\n", g.Outcome, g.Gate, note)
			for _, r := range g.Reasons {
				fmt.Fprintf(w, "             - %s\n", r)
			}
		}
	}
	if f := cr.Failure; f != nil {
		fmt.Fprintf(w, "  Failure:    %s: %s\n", f.Code, f.Message)
		for _, r := range f.Reasons {
			fmt.Fprintf(w, "    - %s\n", r)
		}
	}
	return opErr
}

func printChangeRequests(w io.Writer, crs []*engine.ChangeRequest) error {
	if jsonOutput {
		return printJSON(w, crs)
	}
	tw := table(w, "ID", "STATE", "PURPOSE", "ACTION", "REQUESTER", "CREATED")
	for _, cr := range crs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cr.ID, cr.State, cr.Intent.Purpose, cr.Intent.Action, cr.Intent.RequesterID, ts(cr.CreatedAt))
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []*engine.Run) error {
	if jsonOutput {
		return printJSON(w, runs)
	}
	tw := table(w, "ID", "OPERATION", "ATTEMPT", "STATUS", "STARTED", "DETAIL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Operation, r.Attempt, r.Status, ts(r.StartedAt), orDash(r.Detail))
	}
	return tw.Flush()
}

func printAudit(w io.Writer, records []*engine.AuditRecord) error {
	if jsonOutput {
		return printJSON(w, records)
	}
	tw := table(w, "SEQ", "TIME", "KIND", "REQUEST", "ACTOR", "TRANSITION", "DETAIL")
	for _, r := range records {
		transition := "-"
		if r.FromState != "" || r.ToState != "" {
			transition = fmt.Sprintf("%s -> %s", orDash(string(r.FromState)), orDash(string(r.ToState)))
		}
		detail := r.ErrorCode
		if r.Gate != "" {
			detail = fmt.Sprintf("%s=%s", r.Gate, r.GateOutcome)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Sequence, ts(r.Timestamp), r.Kind, orDash(r.ChangeRequestID), orDash(r.ActorID), transition, orDash(detail))
	}
	return tw.Flush()
}

func printGates(w io.Writer, gates []policy.GateInfo) error {
	if jsonOutput {
		return printJSON(w, gates)
	}
	tw := table(w, "#", "GATE", "STAGE", "SOURCE", "DESCRIPTION")
	for i, g := range gates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, g.Name, g.Stage, orDash(g.Source), orDash(g.Description))
	}
	return tw.Flush()
}

func printLocks(w io.Writer, locks []*engine.WorkspaceLock) error {
	if jsonOutput {
		return printJSON(w, locks)
	}
	tw := table(w, "WORKSPACE", "HOLDER", "ACQUIRED", "EXPIRES")
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.WorkspaceID, l.Holder, ts(l.AcquiredAt), ts(l.ExpiresAt))
	}
	return tw.Flush()
}
