package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/sdk"
)

func newSubmitCmd() *cobra.Command {
	var (
		rf          remoteFlags
		agentID     string
		resourceID  string
		taskID      string
		summary     string
		description string
		ttl         int64
		wait        bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Request a secret for a resource",
		Example: `  sentinel submit --agent deploy-bot --resource db/prod/readonly \
    --task JIRA-412 --summary "Run the nightly consistency check" --ttl 600`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			intent := access.Intent{TaskID: taskID, Summary: summary, Description: description}

			var req access.Request
			if rf.remote() {
				c := rf.client()
				got, err := c.RequestSecret(ctx, sdk.SubmitRequest{
					AgentID:    agentID,
					ResourceID: resourceID,
					Intent:     sdk.Intent{TaskID: intent.TaskID, Summary: intent.Summary, Description: intent.Description},
					TTLSeconds: ttl,
				})
				if err != nil {
					return err
				}
				if wait && got.Status == sdk.StatusPending {
					if got, err = c.WaitForDecision(ctx, got.ID, pollInterval); err != nil {
						return err
					}
				}
				req = fromSDK(got)
			} else {
				if agentID == "" {
					return fmt.Errorf("--agent is required without --server")
				}
				err := withLocalEngine(ctx, func(eng *lifecycle.Engine) error {
					var err error
					req, err = eng.Submit(ctx, lifecycle.SubmitInput{
						AgentID:    agentID,
						ResourceID: resourceID,
						Intent:     intent,
						TTLSeconds: ttl,
					})
					if err != nil {
						return err
					}
					if wait && req.Status == access.StatusPending {
						req, err = waitLocal(ctx, eng, req.ID)
					}
					return err
				})
				if err != nil {
					return err
				}
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), req)
			}
			return printRequest(cmd.OutOrStdout(), req, true)
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&agentID, "agent", "", "requesting agent id")
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id (required)")
	cmd.Flags().StringVar(&taskID, "task", "", "task id the secret is needed for (required)")
	cmd.Flags().StringVar(&summary, "summary", "", "one-line justification (required)")
	cmd.Flags().StringVar(&description, "description", "", "longer justification")
	cmd.Flags().Int64Var(&ttl, "ttl", 900, "requested lifetime in seconds")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until a pending request is decided")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("summary")

	return cmd
}

// waitLocal polls the local store until id leaves PENDING_APPROVAL.
func waitLocal(ctx context.Context, eng *lifecycle.Engine, id string) (access.Request, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		req, err := eng.Poll(ctx, id)
		if err != nil || req.Status != access.StatusPending {
			return req, err
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}
