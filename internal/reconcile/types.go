package reconcile

import (
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
)

type Action string

const (
	ActionDelete Action = "delete"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Status is the terminal state of one planned action.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusFailedTransient Status = "failed_transient"
	StatusFailedPermanent Status = "failed_permanent"
	StatusFailedConflict  Status = "failed_conflict"
	StatusCancelled       Status = "cancelled"
	StatusSkipped         Status = "skipped"
)

func (s Status) Failed() bool {
	switch s {
	case StatusFailedTransient, StatusFailedPermanent, StatusFailedConflict, StatusCancelled:
		return true
	}
	return false
}

// Plan lists the changes that converge a zone. Update entries carry the
// observed ProviderID, Delete entries are the observed records.
type Plan struct {
	Zone   string
	Create []record.Record
	Update []record.Record
	Delete []record.Record
	// Reserved are desired records left alone because the backend holds
	// sets at their key that it cannot manage.
	Reserved []record.Record
}

func (p Plan) Empty() bool {
	return p.Len() == 0
}

func (p Plan) Len() int {
	return len(p.Create) + len(p.Update) + len(p.Delete)
}

type Result struct {
	Action Action
	Record record.Record
	Status Status
	// Kind is the failure kind, empty on success.
	Kind     provider.Kind
	Attempts int
	Err      error
}

type Results struct {
	Zone     string
	Plan     Plan
	Actions  []Result
	Duration time.Duration
}

func (r Results) Succeeded() []Result {
	return r.filter(func(res Result) bool { return res.Status == StatusSucceeded })
}

func (r Results) Failed() []Result {
	return r.filter(func(res Result) bool { return res.Status.Failed() })
}

func (r Results) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, res := range r.Actions {
		counts[res.Status]++
	}
	return counts
}

// Applied returns the records whose action succeeded.
func (r Results) Applied(action Action) []record.Record {
	var out []record.Record
	for _, res := range r.Actions {
		if res.Action == action && res.Status == StatusSucceeded {
			out = append(out, res.Record)
		}
	}
	return out
}

func (r Results) filter(keep func(Result) bool) []Result {
	var out []Result
	for _, res := range r.Actions {
		if keep(res) {
			out = append(out, res)
		}
	}
	return out
}
