package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Rewrite lapsed approvals to EXPIRED in the local store",
		Long: "Readers already see lapsed approvals as EXPIRED. Sweep persists that, " +
			"for deployments that run without the server's background sweeper.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withLocalEngine(ctx, func(eng *lifecycle.Engine) error {
				n, err := eng.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d request(s)\n", n) //nolint:errcheck
				return nil
			})
		},
	}
}
