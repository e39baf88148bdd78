package common

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/YoshitsuguKoike/lattice/internal/application/engine"
	"github.com/YoshitsuguKoike/lattice/internal/application/service"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
)

// Output styles shared by all commands
var (
	Success = color.New(color.FgGreen)
	Warning = color.New(color.FgYellow)
	Failure = color.New(color.FgRed, color.Bold)
	Faint   = color.New(color.Faint)
	Heading = color.New(color.Bold)
)

// PrintPlan lists the steps of a plan without running it
func PrintPlan(w io.Writer, p *plan.Plan) {
	if p.IsEmpty() {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	Heading.Fprintf(w, "Plan for %s (%d steps)\n", p.Command(), p.Len())
	for i, s := range p.Steps() {
		phase := "local"
		if s.Remote() {
			phase = "remote"
		}
		fmt.Fprintf(w, "  %2d. %s %s\n", i+1, s.Describe(), Faint.Sprintf("[%s]", phase))
	}
}

// PrintResult reports how an Execute, Continue or Abort call ended
func PrintResult(w io.Writer, res *engine.Result) {
	if res == nil {
		return
	}
	switch res.Outcome {
	case engine.OutcomeNothingToDo:
		fmt.Fprintln(w, "Nothing to do.")
	case engine.OutcomeCommitted:
		if res.OpID != "" {
			Success.Fprintf(w, "✓ %s committed ", res.Command)
			Faint.Fprintf(w, "(%s)\n", res.OpID)
		}
	case engine.OutcomeAborted:
		Warning.Fprintf(w, "%s aborted; every ref was restored ", res.Command)
		Faint.Fprintf(w, "(%s)\n", res.OpID)
	case engine.OutcomePaused:
		PrintAwaiting(w, res.OpID, res.Command, res.Awaiting)
		if res.Remaining > 0 {
			fmt.Fprintf(w, "%d step(s) remain after this one.\n", res.Remaining)
		}
	}
	for _, r := range res.Remote {
		if r.Err != nil {
			Failure.Fprintf(w, "✗ %s: %v\n", r.Step.Describe(), r.Err)
			continue
		}
		line := "✓ " + r.Step.Describe()
		if r.Review != nil && r.Review.URL != "" {
			line += " " + Faint.Sprint(r.Review.URL)
		}
		Success.Fprintln(w, line)
	}
}

// PrintAwaiting explains what a paused operation is waiting for
func PrintAwaiting(w io.Writer, opID, command string, reason *opstate.AwaitingReason) {
	Warning.Fprintf(w, "%s paused ", command)
	Faint.Fprintf(w, "(%s)\n", opID)
	if reason == nil {
		return
	}
	switch reason.Kind {
	case opstate.ReasonConflict:
		fmt.Fprintf(w, "The %s stopped on a conflict", reason.Operation)
		if reason.Message != "" {
			fmt.Fprintf(w, ": %s", reason.Message)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Resolve the conflict and stage the files, then run 'lattice continue'.")
		fmt.Fprintln(w, "Run 'lattice abort' to restore every ref to its state before the operation.")
	case opstate.ReasonRollbackIncomplete:
		fmt.Fprintln(w, "Rollback could not restore these refs because they moved:")
		for _, f := range reason.Failures {
			fmt.Fprintf(w, "  %s: expected %s, found %s, restore to %s\n",
				f.Ref, f.Expected.Short(), f.Actual.Short(), f.Restore.Short())
		}
		fmt.Fprintln(w, "Move them back to the expected values and run 'lattice abort' again.")
	}
}

// PrintBundle explains why the gate refused a command
func PrintBundle(w io.Writer, b *service.RepairBundle) {
	missing := make([]string, len(b.Missing))
	for i, c := range b.Missing {
		missing[i] = string(c)
	}
	Failure.Fprintf(w, "Cannot run a %s command: missing %s\n", b.Requirements.Name, strings.Join(missing, ", "))
	PrintIssues(w, b.Issues)
	if hasRepairable(b.Issues) {
		fmt.Fprintln(w, "Run 'lattice doctor' to see the available fixes.")
	}
}

// PrintIssues lists issues, blocking ones in red
func PrintIssues(w io.Writer, issues []service.Issue) {
	for _, is := range issues {
		style := Warning
		if is.Blocking() {
			style = Failure
		}
		style.Fprintf(w, "  %s", is.ID)
		fmt.Fprintf(w, ": %s\n", is.Message)
		if len(is.Evidence) > 0 {
			Faint.Fprintf(w, "      %s\n", strings.Join(is.Evidence, ", "))
		}
	}
}

func hasRepairable(issues []service.Issue) bool {
	for _, is := range issues {
		switch is.Kind {
		case service.IssueMetadataParse, service.IssueMissingBranch, service.IssueMissingParent,
			service.IssueParentCycle, service.IssueTrunkMismatch:
			return true
		}
	}
	return false
}
