package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/doctor"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/eventlog"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/recovery"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/restack"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/status"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/submit"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/track"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/version"
)

func NewRoot() *cobra.Command {
	var opts common.Options

	cmd := &cobra.Command{
		Use:   "lattice",
		Short: "Stacked branches with crash-safe operations",
		Long: `lattice tracks stacks of branches and applies every change to them as one
operation: all of it commits, or it pauses for you, or it is rolled back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The configured level is applied once the repository is opened;
			// the flag wins over it.
			if opts.LogLevel != "" {
				app.InitLogger(opts.LogLevel)
			}
			common.SetGlobalOptions(opts)
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "C", "", "Run as if lattice was started in this directory")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")

	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(track.NewCommand())
	cmd.AddCommand(track.NewUntrackCommand())
	cmd.AddCommand(restack.NewCommand())
	cmd.AddCommand(submit.NewCommand())
	cmd.AddCommand(recovery.NewContinueCommand())
	cmd.AddCommand(recovery.NewAbortCommand())
	cmd.AddCommand(doctor.NewCommand())
	cmd.AddCommand(eventlog.NewCommand())
	cmd.AddCommand(version.NewCommand())
	return cmd
}

// ExitCode maps an error returned by the root command to a process exit code
func ExitCode(err error) int {
	return common.ExitCode(err)
}

// PrintError reports a command error unless the command already did
func PrintError(w io.Writer, err error) {
	if err == nil || err.Error() == "" {
		return
	}
	fmt.Fprintf(w, "%s %v\n", common.Failure.Sprint("error:"), err)
}
