// Package eventlog implements the log command over the event ledger
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// NewCommand creates the log command
func NewCommand() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the event ledger, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			if _, err := common.Ready(ctx, c, service.ReadOnly, cmd.ErrOrStderr()); err != nil {
				return err
			}
			events, err := c.Ledger.List(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}
			for _, e := range events {
				PrintEvent(out, e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	return cmd
}

func writeJSON(w io.Writer, events []event.Event) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// PrintEvent writes one event as a short human-readable line
func PrintEvent(w io.Writer, e event.Event) {
	ts := common.Faint.Sprint(e.Timestamp.Local().Format(time.DateTime))
	switch e.Type {
	case event.TypeIntentRecorded:
		fmt.Fprintf(w, "%s  intent     %s %s touching %d ref(s)\n", ts, e.Command, e.OpID, len(e.Touched))
	case event.TypeCommitted:
		fmt.Fprintf(w, "%s  %s  %s %s\n", ts, common.Success.Sprint("committed"), e.Command, e.OpID)
	case event.TypeAborted:
		fmt.Fprintf(w, "%s  %s    %s %s: %s\n", ts, common.Warning.Sprint("aborted"), e.Command, e.OpID, e.Reason)
	case event.TypeDivergenceObserved:
		fmt.Fprintf(w, "%s  %s   %d ref(s) changed outside lattice\n", ts, common.Warning.Sprint("diverged"), len(e.Changes))
		for _, ch := range e.Changes {
			fmt.Fprintf(w, "                       %s %s -> %s\n", ch.Ref, ch.Before.Short(), ch.After.Short())
		}
	case event.TypeDoctorProposed:
		fmt.Fprintf(w, "%s  doctor     proposed %s\n", ts, strings.Join(e.FixIDs, ", "))
	case event.TypeDoctorApplied:
		fmt.Fprintf(w, "%s  doctor     applied %s (%s)\n", ts, strings.Join(e.FixIDs, ", "), e.OpID)
	default:
		fmt.Fprintf(w, "%s  %s\n", ts, e.Type)
	}
}
