package engine

import (
	"encoding/json"
	"time"

	"github.com/bendavis78/quilt/pkg/policy"
	"github.com/bendavis78/quilt/pkg/resource"
)

// Report is the outcome of one run against one target.
type Report struct {
	// RunID identifies the run in logs, spans and reports.
	RunID string `json:"run_id"`

	Target string    `json:"target"`
	Mode   Mode      `json:"mode"`
	DryRun bool      `json:"dry_run"`
	Status RunStatus `json:"status"`

	// Resources is the number of declared resources.
	Resources int `json:"resources"`

	// Converged counts the resources ensured or removed before the run ended.
	Converged int `json:"converged"`

	// Changes lists every mutating step, performed or simulated.
	Changes []resource.Change `json:"changes"`

	// Violations lists policy findings, warnings included.
	Violations []policy.Violation `json:"violations,omitempty"`

	// Facts are the target facts gathered for the run.
	Facts *Facts `json:"facts,omitempty"`

	// Files lists the manifest and every module it loaded.
	Files []string `json:"files,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Err is the error that halted the run.
	Err error `json:"-"`
}

// Changed reports whether the run changed (or would change) the target.
func (r *Report) Changed() bool {
	return len(r.Changes) > 0
}

// MarshalJSON renders Err as a string and adds the error details of a
// convergence error.
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	out := struct {
		plain
		Error  string          `json:"error,omitempty"`
		Detail *resource.Error `json:"error_detail,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
		if rerr, ok := asResourceError(r.Err); ok {
			out.Detail = rerr
		}
	}
	return json.Marshal(out)
}

// Summary aggregates the reports of one invocation.
type Summary struct {
	Targets   int `json:"targets"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Changed   int `json:"changed"`
	Changes   int `json:"changes"`
}

// Summarize counts reports by status.
func Summarize(reports []Report) Summary {
	var s Summary
	for i := range reports {
		r := &reports[i]
		s.Targets++
		switch r.Status {
		case RunStatusSucceeded:
			s.Succeeded++
		case RunStatusFailed:
			s.Failed++
		case RunStatusCancelled:
			s.Cancelled++
		}
		if r.Changed() {
			s.Changed++
		}
		s.Changes += len(r.Changes)
	}
	return s
}
