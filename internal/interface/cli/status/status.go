package status

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/interface/cli/common"
)

// BranchStatus is one tracked branch in JSON output
type BranchStatus struct {
	Name         string `json:"name"`
	Parent       string `json:"parent,omitempty"`
	Tip          string `json:"tip,omitempty"`
	Base         string `json:"base,omitempty"`
	NeedsRestack bool   `json:"needs_restack"`
	Frozen       bool   `json:"frozen,omitempty"`
	Review       int    `json:"review,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StatusOutput is the JSON form of the status command
type StatusOutput struct {
	Trunk       string         `json:"trunk"`
	Fingerprint string         `json:"fingerprint"`
	Branches    []BranchStatus `json:"branches"`
	Operation   *OperationInfo `json:"operation,omitempty"`
	Issues      []IssueInfo    `json:"issues,omitempty"`
}

// OperationInfo describes the in-flight operation
type OperationInfo struct {
	OpID        string `json:"op_id"`
	Command     string `json:"command"`
	Phase       string `json:"phase"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Awaiting    string `json:"awaiting,omitempty"`
}

// IssueInfo is one health problem
type IssueInfo struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Blocking bool     `json:"blocking"`
	Evidence []string `json:"evidence,omitempty"`
}

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stack, the in-flight operation and health problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := common.Open(ctx)
			if err != nil {
				return err
			}
			snap, err := common.Scan(ctx, c)
			if err != nil {
				return err
			}
			if _, bundle := service.Gate(snap, service.ReadOnly); bundle != nil {
				common.PrintBundle(cmd.ErrOrStderr(), bundle)
				return bundle.Err()
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(Build(snap))
			}
			Print(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

// Build converts a snapshot into its JSON form
func Build(snap *service.Snapshot) StatusOutput {
	out := StatusOutput{Trunk: snap.Trunk.String(), Fingerprint: snap.Fingerprint, Branches: []BranchStatus{}}
	for _, name := range snap.TrackedNames() {
		out.Branches = append(out.Branches, branchStatus(snap, name))
	}
	if m := snap.OpState; m != nil {
		info := &OperationInfo{OpID: m.OpID, Command: m.Command, Phase: string(m.Phase), Interrupted: snap.Interrupted}
		if m.Awaiting != nil {
			info.Awaiting = string(m.Awaiting.Kind)
		}
		out.Operation = info
	}
	for _, is := range snap.Issues {
		out.Issues = append(out.Issues, IssueInfo{ID: is.ID, Message: is.Message, Blocking: is.Blocking(), Evidence: is.Evidence})
	}
	return out
}

func branchStatus(snap *service.Snapshot, name ref.BranchName) BranchStatus {
	t := snap.Tracked[name]
	bs := BranchStatus{Name: name.String()}
	if !t.Tip.IsZero() {
		bs.Tip = t.Tip.String()
	}
	if t.Metadata == nil {
		if t.ParseErr != nil {
			bs.Error = t.ParseErr.Error()
		}
		return bs
	}
	s := t.Metadata.Structural
	bs.Parent = s.Parent.String()
	bs.Base = s.Base.String()
	bs.Frozen = s.Freeze.Frozen
	bs.NeedsRestack = !s.Base.Equals(snap.Tip(s.Parent))
	if r := t.Metadata.Cached.Review; r != nil {
		bs.Review = r.Number
	}
	return bs
}

// Print writes the human-readable status
func Print(w io.Writer, snap *service.Snapshot) {
	if m := snap.OpState; m != nil {
		if snap.Interrupted {
			common.Failure.Fprintf(w, "Operation %s (%s) was interrupted.\n", m.Command, m.OpID)
			fmt.Fprintln(w, "Run 'lattice abort' to restore every ref, or 'lattice continue' if all steps completed.")
		} else if m.IsPaused() {
			common.PrintAwaiting(w, m.OpID, m.Command, m.Awaiting)
		} else {
			common.Warning.Fprintf(w, "Operation %s (%s) is running", m.Command, m.OpID)
			if h := snap.LockHolder; h != nil {
				fmt.Fprintf(w, " in pid %d on %s", h.PID, h.Hostname)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	common.Heading.Fprintf(w, "%s", snap.Trunk)
	common.Faint.Fprintf(w, " %s\n", snap.TrunkTip.Short())
	printed := map[ref.BranchName]bool{}
	printChildren(w, snap, snap.Trunk, "", printed)

	var detached []ref.BranchName
	for _, name := range snap.TrackedNames() {
		if !printed[name] {
			detached = append(detached, name)
		}
	}
	if len(detached) > 0 {
		fmt.Fprintln(w)
		common.Heading.Fprintln(w, "Not connected to the trunk")
		for _, name := range detached {
			fmt.Fprintf(w, "  %s\n", describe(snap, name))
		}
	}

	if len(snap.Issues) > 0 {
		fmt.Fprintln(w)
		common.Heading.Fprintf(w, "%d problem(s)\n", len(snap.Issues))
		common.PrintIssues(w, snap.Issues)
	}
}

func printChildren(w io.Writer, snap *service.Snapshot, parent ref.BranchName, indent string, printed map[ref.BranchName]bool) {
	children := snap.Children(parent)
	for i, child := range children {
		if printed[child] {
			continue
		}
		printed[child] = true
		branch, next := "├── ", "│   "
		if i == len(children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", indent, branch, describe(snap, child))
		printChildren(w, snap, child, indent+next, printed)
	}
}

func describe(snap *service.Snapshot, name ref.BranchName) string {
	bs := branchStatus(snap, name)
	line := name.String()
	if bs.Tip != "" {
		line += " " + common.Faint.Sprint(snap.Tip(name).Short())
	} else {
		line += " " + common.Failure.Sprint("(missing)")
	}
	if bs.Error != "" {
		return line + " " + common.Failure.Sprint("(unreadable metadata)")
	}
	if bs.Review > 0 {
		line += fmt.Sprintf(" #%d", bs.Review)
	}
	if bs.Frozen {
		line += " " + common.Faint.Sprint("(frozen)")
	}
	if bs.NeedsRestack {
		line += " " + common.Warning.Sprint("(needs restack)")
	}
	return line
}
