package stage

import (
	"context"
	"time"

	"github.com/ibeckermayer/pinscrape/internal/store"
)

// ReportName is the report directory pipeline runs are saved under.
const ReportName = "pipeline"

// Report is the record of one pipeline run.
type Report struct {
	Status      Status    `json:"status"`
	Stages      []Result  `json:"stages"`
	Skipped     []string  `json:"skipped,omitempty"`
	Interrupted string    `json:"interrupted_at,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	ReportPath  string    `json:"-"`
}

// ExitCode maps the status to a process exit code.
func (r Report) ExitCode() int {
	switch r.Status {
	case StatusCompleted:
		return 0
	case StatusInterrupted:
		return 130
	default:
		return 1
	}
}

// Pipeline runs stages in order.
type Pipeline struct {
	Runner *Runner
	// ContinueOnFailure keeps going after a failed stage. An interruption
	// always stops the run.
	ContinueOnFailure bool
	// SaveReport writes the report under the output directory's _reports.
	SaveReport bool
}

// Run executes stages in order and returns the run's report. Once a stage
// is interrupted no later stage is entered.
func (p *Pipeline) Run(ctx context.Context, stages ...Stage) Report {
	env := p.Runner.env
	logger := env.logger()
	rep := Report{Status: StatusCompleted, Started: p.Runner.now()}

	for i, st := range stages {
		res, err := p.Runner.Run(ctx, st)
		rep.Stages = append(rep.Stages, res)
		if err != nil {
			rep.Status = StatusInterrupted
			rep.Interrupted = st.Name()
			rep.Skipped = names(stages[i+1:])
			break
		}
		if res.Status == StatusFailed {
			rep.Status = StatusFailed
			if !p.ContinueOnFailure {
				rep.Skipped = names(stages[i+1:])
				break
			}
		}
	}
	rep.Finished = p.Runner.now()

	if p.SaveReport {
		path, err := store.SaveReport(env.OutputDir, ReportName, rep)
		if err != nil {
			logger.Warn("failed to save pipeline report", "error", err)
		}
		rep.ReportPath = path
	}
	logger.Info("pipeline finished", "status", rep.Status, "stages", len(rep.Stages), "skipped", rep.Skipped)
	return rep
}

func names(stages []Stage) []string {
	var out []string
	for _, s := range stages {
		out = append(out, s.Name())
	}
	return out
}
