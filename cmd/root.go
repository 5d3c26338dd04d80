package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrover/groundstation/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "groundstation",
	Short: "OpenRover ground station",
	Long: `groundstation is the operator-side control plane for a teleoperated
rover: it keeps the command channel to the rover alive, routes telemetry and
recording messages, and supervises the media child processes that own the
audio and camera pipelines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("groundstation version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewStationCommand())
	rootCmd.AddCommand(NewStreamerCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
