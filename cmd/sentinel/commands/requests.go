package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

func newRequestsCmd() *cobra.Command {
	var (
		rf    remoteFlags
		admin string
	)

	cmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "List, inspect and decide access requests",
	}
	rf.registerPersistent(cmd)
	cmd.PersistentFlags().StringVar(&admin, "admin", defaultAdmin(), "admin id recorded on local decisions")

	run := func(fn func(context.Context, *cobra.Command, adminBackend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withAdminBackend(ctx, &rf, admin, func(b adminBackend) error {
				return fn(ctx, cmd, b)
			})
		}
	}

	cmd.AddCommand(
		newRequestsListCmd(run),
		newRequestsShowCmd(run),
		newRequestsApproveCmd(run),
		newRequestsDecideCmd(run, "deny", "Deny a pending request"),
		newRequestsDecideCmd(run, "revoke", "Revoke an approved request's secret"),
		newRequestsHistoryCmd(run),
	)
	return cmd
}

type runner func(func(context.Context, *cobra.Command, adminBackend) error) func(*cobra.Command, []string) error

func newRequestsListCmd(run runner) *cobra.Command {
	var (
		status string
		agent  string
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		Example: `  sentinel requests list --status pending
  sentinel requests list --agent deploy-bot --since 24h`,
		Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, cmd *cobra.Command, b adminBackend) error {
			f := lifecycle.Filter{AgentID: agent, Limit: limit}
			if status != "" {
				s, ok := access.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				f.Status = s
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			reqs, err := b.List(ctx, f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), reqs)
			}
			if len(reqs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No requests found.") //nolint:errcheck
				return nil
			}
			return printRequestTable(cmd.OutOrStdout(), reqs)
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, approved, denied, expired)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent id")
	cmd.Flags().DurationVar(&since, "since", 0, "only requests created within this window")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newRequestsShowCmd(run runner) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, cmd *cobra.Command, b adminBackend) error {
		req, err := b.Show(ctx, cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		// Admin views never show a live secret.
		if req.Secret != nil {
			req.Secret.Value = access.MaskValue(req.Secret.Value)
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), req)
		}
		return printRequest(cmd.OutOrStdout(), req, true)
	})
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newRequestsApproveCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request and issue its secret",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, cmd *cobra.Command, b adminBackend) error {
		req, err := b.Approve(ctx, cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s, secret expires %s\n", //nolint:errcheck
			req.ID, statusLabel(req.Status), req.Secret.ExpiresAt.Format(time.RFC3339))
		return nil
	})
	return cmd
}

// newRequestsDecideCmd builds deny and revoke, which share a --reason flag.
func newRequestsDecideCmd(run runner, op, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   op + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, cmd *cobra.Command, b adminBackend) error {
		id := cmd.Flags().Arg(0)
		var (
			req access.Request
			err error
		)
		if op == "deny" {
			req, err = b.Deny(ctx, id, reason)
		} else {
			req, err = b.Revoke(ctx, id, reason)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.ID, statusLabel(req.Status)) //nolint:errcheck
		return nil
	})
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the decision")
	return cmd
}

func newRequestsHistoryCmd(run runner) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <request-id>",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = run(func(ctx context.Context, cmd *cobra.Command, b adminBackend) error {
		entries, err := b.History(ctx, cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		return printHistory(cmd.OutOrStdout(), entries)
	})
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
