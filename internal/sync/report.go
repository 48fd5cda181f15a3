package sync

import (
	"fmt"

	"github.com/schaermu/composesyncd/internal/git"
)

const (
	msgNoOp       = "Change did not contain any stack changes, synthesis is a no-op"
	errSynthesis  = "Got an error during synthesis"
	msgSuccessFmt = "Synthesis succeeded for %d stack(s)"
)

// Report is the JSON document sent to the notification sink after a run.
type Report struct {
	Msg                string          `json:"msg,omitempty"`
	Trigger            Trigger         `json:"trigger"`
	Changes            []git.Change    `json:"changes"`
	SucceededStacks    []string        `json:"succeededStacks"`
	Err                string          `json:"err,omitempty"`
	FailedStack        string          `json:"failedStack,omitempty"`
	FailedStackContent string          `json:"failedStackContent,omitempty"`
	Output             string          `json:"output,omitempty"`
	RevertedCommit     *git.CommitInfo `json:"revertedCommit,omitempty"`
	RevertErr          string          `json:"revertErr,omitempty"`
}

// NewReport converts a run into its report.
func NewReport(run *Run) Report {
	r := Report{
		Trigger:         run.Trigger,
		Changes:         run.Changes,
		SucceededStacks: run.Succeeded,
	}
	if r.Changes == nil {
		r.Changes = []git.Change{}
	}
	if r.SucceededStacks == nil {
		r.SucceededStacks = []string{}
	}

	switch {
	case run.Err != nil:
		r.Err = fmt.Sprintf("%s: %v", errSynthesis, run.Err)
		r.FailedStack = run.Failed
		r.FailedStackContent = run.FailedContent
		r.Output = run.Output
		r.RevertedCommit = run.Reverted
		if run.RevertErr != nil {
			r.RevertErr = run.RevertErr.Error()
		}
	case run.NoOp():
		r.Msg = msgNoOp
	default:
		r.Msg = fmt.Sprintf(msgSuccessFmt, len(run.Succeeded))
	}
	return r
}
