package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

func newPollCmd() *cobra.Command {
	var (
		rf     remoteFlags
		wait   bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "poll <request-id>",
		Short: "Show the current state of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			id := args[0]

			var req access.Request
			if rf.remote() {
				c := rf.client()
				got, err := c.Poll(ctx, id)
				if err == nil && wait && string(got.Status) == string(access.StatusPending) {
					got, err = c.WaitForDecision(ctx, id, pollInterval)
				}
				if err != nil {
					return err
				}
				req = fromSDK(got)
			} else {
				err := withLocalEngine(ctx, func(eng *lifecycle.Engine) error {
					var err error
					if wait {
						req, err = waitLocal(ctx, eng, id)
					} else {
						req, err = eng.Poll(ctx, id)
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
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the request is decided")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
