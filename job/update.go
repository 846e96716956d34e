package job

import (
	"context"
	"encoding/json"

	"github.com/dvsetup/dvsetup/journal"
)

// UpdateName is the job reporting the phase status of the node.
const UpdateName = "update"

// StatusSource provides the latest phase records.
type StatusSource interface {
	Latest() ([]journal.Record, error)
}

// UpdateHandler answers update events with the latest record of every phase.
type UpdateHandler struct {
	Journal StatusSource
}

// Update is the output of the update job.
type Update struct {
	Phases []journal.Record `json:"phases"`
	// Ready is set once the validator service has been started.
	Ready bool `json:"ready"`
}

func (u *UpdateHandler) Name() string {
	return UpdateName
}

func (u *UpdateHandler) Handle(_ context.Context, ev Event) (Result, error) {
	records, err := u.Journal.Latest()
	if err != nil {
		return Result{}, err
	}
	up := Update{Phases: records}
	for _, r := range records {
		if r.Phase == journal.PhaseService && r.Status == journal.StatusDone {
			up.Ready = true
		}
	}
	out, err := json.Marshal(up)
	if err != nil {
		return Result{}, err
	}
	return Result{Job: ev.Job, Call: ev.Call, Output: out}, nil
}
