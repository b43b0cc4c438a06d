package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/changeflow/pkg/api"
	"github.com/openfroyo/changeflow/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		file     string
		override string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a change request from an intent",
		Long: `Create a change request from an intent document (JSON or YAML).

The intent is validated and normalized; the new request starts in the
'draft' state. Use 'advance' to move it through the lifecycle.`,
		Example: `  # Create from a file
  changeflow create -f intent.yaml

  # Create from stdin, naming the approver of override tags
  cat intent.json | changeflow create -f - --override-approver carol`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var intent engine.Intent
			if err := decodeDocument(file, &intent); err != nil {
				return err
			}
			cr, err := client().Create(cmd.Context(), api.CreateRequest{Intent: intent, OverrideApproverID: override})
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "intent file (- for stdin)")
	cmd.Flags().StringVar(&override, "override-approver", "", "approver authorizing override tags")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get ID",
		Short:   "Show a change request",
		Example: `  changeflow get 1f0c7b9e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cr, err := client().Get(cmd.Context(), args[0])
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}
}

func newListCommand() *cobra.Command {
	var tenant, workspace string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List the change requests of a workspace",
		Example: `  changeflow list --tenant acme --workspace ws-web`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			crs, err := client().List(cmd.Context(), tenant, workspace)
			if err != nil {
				return err
			}
			return printChangeRequests(cmd.OutOrStdout(), crs)
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant ID")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace ID")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func newAdvanceCommand() *cobra.Command {
	var untilBlocked bool

	cmd := &cobra.Command{
		Use:   "advance ID",
		Short: "Perform the next lifecycle step",
		Long: `Perform the next lifecycle step of a change request.

Each call performs exactly one step: resolve, plan, gate, apply or destroy.
With --until-blocked the command keeps advancing until the request needs an
approval, fails, or reaches a terminal state.`,
		Example: `  # One step
  changeflow advance 1f0c7b9e-...

  # Drive the request as far as it can go on its own
  changeflow advance --until-blocked 1f0c7b9e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			cr, err := c.Advance(cmd.Context(), args[0])
			for untilBlocked && err == nil && !blocked(cr) {
				cr, err = c.Advance(cmd.Context(), args[0])
			}
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().BoolVar(&untilBlocked, "until-blocked", false, "advance until the request needs approval or stops")

	return cmd
}

// blocked reports whether advancing cr further needs someone to act.
func blocked(cr *engine.ChangeRequest) bool {
	switch cr.State {
	case engine.StateGated:
		return cr.Verdict == engine.VerdictFail
	case engine.StateApplied:
		return !cr.DestroyRequested
	case engine.StateAwaitingApproval:
		return true
	}
	return cr.State.IsTerminal()
}

func newApproveCommand() *cobra.Command {
	var approver, gateRun string

	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve the current gate results",
		Long: `Approve the gate results of a change request awaiting approval.

The approval binds to the gate run shown by 'get'. Pass --gate-run to refuse
the approval if the gates were re-evaluated since you reviewed them.`,
		Example: `  changeflow approve 1f0c7b9e-... --approver bob --gate-run 6a2d...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cr, err := client().Approve(cmd.Context(), args[0], api.ApproveRequest{ApproverID: approver, GateRunID: gateRun})
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "approver identity")
	cmd.Flags().StringVar(&gateRun, "gate-run", "", "gate run ID the approval is for")
	_ = cmd.MarkFlagRequired("approver")

	return cmd
}

func newCancelCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:     "cancel ID",
		Short:   "Cancel a change request",
		Example: `  changeflow cancel 1f0c7b9e-... --actor alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cr, err := client().Cancel(cmd.Context(), args[0], actor)
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "identity cancelling the request")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newAmendCommand() *cobra.Command {
	var file, requester, override string

	cmd := &cobra.Command{
		Use:   "amend ID",
		Short: "Amend a gated or failed change request",
		Long: `Create a new change request from an existing one with a JSON merge patch
applied to its intent. The original is left untouched and the new request
records it as its lineage. Override grants are not carried over; name the
override approver again with --override-approver.`,
		Example: `  # Move the request to a permitted region
  echo '{"structural_params":{"region":"us-east-1"}}' | changeflow amend 1f0c7b9e-... -f -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := readDocument(file)
			if err != nil {
				return err
			}
			cr, err := client().Amend(cmd.Context(), args[0], api.AmendRequest{
				RequesterID:        requester,
				Patch:              patch,
				OverrideApproverID: override,
			})
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "merge patch file (- for stdin)")
	cmd.Flags().StringVar(&requester, "requester", "", "requester of the amended request (defaults to the original)")
	cmd.Flags().StringVar(&override, "override-approver", "", "approver authorizing override tags on the amended request")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDestroyCommand() *cobra.Command {
	var approver string

	cmd := &cobra.Command{
		Use:   "destroy ID",
		Short: "Request destruction of an applied change request",
		Long: `Authorize destruction of the infrastructure an applied change request
created. The destroy runs on the next 'advance'.`,
		Example: `  changeflow destroy 1f0c7b9e-... --approver bob && changeflow advance 1f0c7b9e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cr, err := client().RequestDestroy(cmd.Context(), args[0], approver)
			return printChangeRequest(cmd.OutOrStdout(), cr, err)
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "identity authorizing the destroy")
	_ = cmd.MarkFlagRequired("approver")

	return cmd
}

func newRunsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "runs ID",
		Short:   "List the runner invocations of a change request",
		Example: `  changeflow runs 1f0c7b9e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := client().Runs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
}

func newAuditCommand() *cobra.Command {
	var (
		filter       engine.AuditFilter
		state, kind  string
		since, until string
	)

	cmd := &cobra.Command{
		Use:   "audit TENANT",
		Short: "Show a tenant's audit trail",
		Example: `  # Everything that happened to one request
  changeflow audit acme --request 1f0c7b9e-...

  # Approvals in the last day
  changeflow audit acme --kind approval --since 24h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.Since, err = parseSince(since); err != nil {
				return err
			}
			if filter.Until, err = parseSince(until); err != nil {
				return err
			}
			filter.State = engine.ChangeState(state)
			filter.Kind = engine.AuditKind(kind)

			records, err := client().Audit(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&filter.ChangeRequestID, "request", "", "change request ID")
	cmd.Flags().StringVar(&filter.RequesterID, "requester", "", "acting identity")
	cmd.Flags().StringVar(&filter.WorkspaceID, "workspace", "", "workspace ID")
	cmd.Flags().StringVar(&state, "state", "", "state entered")
	cmd.Flags().StringVar(&kind, "kind", "", "record kind")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 time or a duration ago, e.g. 24h")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 time or a duration ago")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum records")

	return cmd
}

// parseSince accepts an RFC3339 time or a duration before now.
func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: want RFC3339 or a duration", s)
	}
	t := time.Now().Add(-d)
	return &t, nil
}

func newGatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gates",
		Short: "Show the gate sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gates, err := client().Gates(cmd.Context())
			if err != nil {
				return err
			}
			return printGates(cmd.OutOrStdout(), gates)
		},
	}
}

func newLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "Show workspace locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locks, err := client().Locks(cmd.Context())
			if err != nil {
				return err
			}
			return printLocks(cmd.OutOrStdout(), locks)
		},
	}
}
