package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrover/groundstation/internal/streamer"
	"github.com/openrover/groundstation/internal/util"
)

// NewStreamerCommand creates the 'streamer' subcommand: one media child
// process. The supervisor spawns these; running one by hand is only useful
// for debugging a pipeline.
func NewStreamerCommand() *cobra.Command {
	var opts streamer.Options

	cmd := &cobra.Command{
		Use:           "streamer",
		Short:         "Run one media streamer child process",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.HandleID == "" || opts.RPCURL == "" || opts.Token == "" {
				return fmt.Errorf("streamer requires --handle, --rpc-url and --token")
			}
			util.InitLogger(false, "")
			os.Exit(streamer.Run(opts))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.HandleID, "handle", "", "Handle id minted by the parent")
	flags.StringVar(&opts.RPCURL, "rpc-url", "", "Parent RPC websocket URL")
	flags.StringVar(&opts.Token, "token", "", "Parent RPC auth token")
	return cmd
}
