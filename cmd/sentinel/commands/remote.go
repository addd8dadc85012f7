package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-sh/sentinel/sdk"
)

// remoteFlags selects between talking to a running server and opening the
// store directly.
type remoteFlags struct {
	server string
	token  string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", os.Getenv("SENTINEL_SERVER"), "sentinel server URL (default: open the local store)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("SENTINEL_TOKEN"), "bearer token for --server")
}

// registerPersistent makes the flags available to every subcommand.
func (f *remoteFlags) registerPersistent(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", os.Getenv("SENTINEL_SERVER"), "sentinel server URL (default: open the local store)")
	cmd.PersistentFlags().StringVar(&f.token, "token", os.Getenv("SENTINEL_TOKEN"), "bearer token for --server")
}

func (f *remoteFlags) remote() bool { return f.server != "" }

func (f *remoteFlags) client() *sdk.Client {
	return sdk.NewClient(f.server, f.token)
}

// pollInterval is how often --wait checks a pending request.
const pollInterval = 2 * time.Second
