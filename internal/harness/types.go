package harness

import "github.com/roach88/syncd/internal/ir"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Errors lists each failed expectation or assertion. Empty if Pass is
	// true.
	Errors []string `json:"errors,omitempty"`

	// Reports holds one report per run, in order.
	Reports []ir.Report `json:"reports"`

	// Summary is the deterministic text rendering compared against golden
	// files.
	Summary string `json:"summary"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
