package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bendavis78/quilt/pkg/engine"
	"github.com/bendavis78/quilt/pkg/resource"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReports writes the reports as text, or as JSON with --json.
func printReports(w io.Writer, reports []engine.Report) error {
	summary := engine.Summarize(reports)
	if jsonOutput {
		return writeJSON(w, struct {
			Reports []engine.Report `json:"reports"`
			Summary engine.Summary  `json:"summary"`
		}{reports, summary})
	}

	var b strings.Builder
	for i := range reports {
		writeReport(&b, &reports[i])
	}
	fmt.Fprintf(&b, "\n%d targets: %d succeeded, %d failed, %d cancelled; %d changes\n",
		summary.Targets, summary.Succeeded, summary.Failed, summary.Cancelled, summary.Changes)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeReport(b *strings.Builder, r *engine.Report) {
	verb := "changes"
	if r.DryRun {
		verb = "planned changes"
	}
	fmt.Fprintf(b, "%s: %s (%d resources, %d %s, %s)\n",
		r.Target, r.Status, r.Resources, len(r.Changes), verb, r.Duration.Round(time.Millisecond))

	for _, c := range r.Changes {
		fmt.Fprintf(b, "  %s %s  %s\n", actionSymbol(c.Action), c.Resource, c.Detail)
	}
	for _, v := range r.Violations {
		fmt.Fprintf(b, "  ! %s %s: %s (%s)\n", v.Resource, v.Policy, v.Message, v.Severity)
	}
	if r.Err == nil || r.Status == engine.RunStatusCancelled {
		return
	}

	fmt.Fprintf(b, "  error: %v\n", r.Err)
	var rerr *resource.Error
	if errors.As(r.Err, &rerr) {
		for _, site := range rerr.Sites {
			fmt.Fprintf(b, "    declared at %s\n", site)
		}
		if out := strings.TrimSpace(rerr.Output); out != "" {
			for _, line := range strings.Split(out, "\n") {
				fmt.Fprintf(b, "    | %s\n", line)
			}
		}
	}
}

func actionSymbol(action string) string {
	switch action {
	case "create", "clone":
		return "+"
	case "remove":
		return "-"
	default:
		return "~"
	}
}
