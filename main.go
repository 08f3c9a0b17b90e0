package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	track := newTrackCommand()

	cmd := &cobra.Command{
		Use:   "pgcpu-recorder",
		Short: "Record CPU use of postgres backends per database, user and client",
		Long: `pgcpu-recorder follows the lifecycle of every postgres backend process
through the kernel proc connector and /proc, and writes one line per
finished backend with the CPU it used and the database, user and client
origin it served. The postmaster's own CPU and the CPU of descendants it
reaped are written as two aggregate rows at shutdown.

Running without a subcommand is the same as 'pgcpu-recorder track'.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          track.RunE,
	}
	cmd.Flags().AddFlagSet(track.Flags())

	cmd.AddCommand(track, newReportCommand())
	return cmd
}
