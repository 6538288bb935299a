package app

import "time"

// Operation tracks the CLI command being run. Commands that change the index mark it
// mutated, which triggers a snapshot upload at Close. Commands whose work is not
// already recorded by the syncer also mark it recorded, so Close writes a sync run.
type Operation struct {
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string // "success" or "error"

	Added   int64
	Removed int64
	Failed  int64

	mutated  bool
	recorded bool
}

// NewOperation creates an operation that has not touched the index yet.
func NewOperation(name, parameters string, startedAt time.Time) *Operation {
	return &Operation{
		Name:       name,
		Parameters: parameters,
		StartedAt:  startedAt,
		Status:     "success",
	}
}

// Fail marks the operation as failed when err is non-nil and returns err unchanged.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Mutated reports whether the operation changed the index.
func (op *Operation) Mutated() bool {
	return op.mutated
}

// Recorded reports whether Close should write a sync run for the operation.
func (op *Operation) Recorded() bool {
	return op.recorded
}

func (op *Operation) markMutated() {
	op.mutated = true
}

func (op *Operation) markRecorded() {
	op.mutated = true
	op.recorded = true
}
