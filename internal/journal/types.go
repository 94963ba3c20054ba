package journal

import (
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/reconcile"
)

// Run summarizes the latest reconcile of one zone.
type Run struct {
	Zone      string        `json:"zone"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	DryRun    bool          `json:"dryRun,omitempty"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped,omitempty"`
	Failures  []Failure     `json:"failures,omitempty"`
	// Error is set when the zone could not be planned or the run was cut short.
	Error string `json:"error,omitempty"`
}

type Failure struct {
	Action string `json:"action"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r Run) OK() bool {
	return r.Failed == 0 && r.Error == ""
}

// FromResults builds the journal entry of a reconcile. err is the error
// returned alongside results, if any.
func FromResults(results reconcile.Results, started time.Time, err error) Run {
	run := Run{
		Zone:      results.Zone,
		StartedAt: started.UTC(),
		Duration:  results.Duration,
		Created:   len(results.Applied(reconcile.ActionCreate)),
		Updated:   len(results.Applied(reconcile.ActionUpdate)),
		Deleted:   len(results.Applied(reconcile.ActionDelete)),
	}
	if err != nil {
		run.Error = err.Error()
	}
	for _, res := range results.Actions {
		switch {
		case res.Status == reconcile.StatusSkipped:
			run.DryRun = true
			run.Skipped++
		case res.Status.Failed():
			run.Failed++
			f := Failure{
				Action: string(res.Action),
				Name:   res.Record.Name,
				Type:   string(res.Record.Type),
				Status: string(res.Status),
			}
			if res.Err != nil {
				f.Error = res.Err.Error()
			}
			run.Failures = append(run.Failures, f)
		}
	}
	return run
}
