package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/buildinfo"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/metadata"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
)

func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, on-disk schema versions and runtime details",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lattice version %s\n", buildinfo.GetVersion())
			fmt.Fprintf(out, "  Plan schema:     %d\n", plan.SchemaVersion)
			fmt.Fprintf(out, "  Metadata schema: %d\n", metadata.SchemaVersion)
			fmt.Fprintf(out, "  Go version:      %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:         %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
