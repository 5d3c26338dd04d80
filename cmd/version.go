package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrover/groundstation/internal/version"
)

func NewVersionCommand() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.ClientInfo()
			if short {
				fmt.Println(info["Version"])
				return nil
			}
			fmt.Printf("Version:    %s\n", info["Version"])
			fmt.Printf("Go version: %s\n", info["GoVersion"])
			fmt.Printf("Git commit: %s\n", info["GitCommit"])
			fmt.Printf("Built:      %s\n", info["FormattedTime"])
			fmt.Printf("OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
