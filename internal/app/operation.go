package app

// Operation tracks the CLI command being run. Its ID tags every log line.
// Only transfer commands record it in the history database.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	recorded   bool
}

// NewOperation creates an unrecorded operation.
func NewOperation(id, name string) *Operation {
	return &Operation{
		ID:     id,
		Name:   name,
		Status: "success",
	}
}

// Recorded returns true once the operation has a history row.
func (op *Operation) Recorded() bool {
	return op.recorded
}

func (op *Operation) record(parameters string) {
	op.Parameters = parameters
	op.recorded = true
}
