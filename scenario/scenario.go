// Package scenario is a trimmed end-to-end test harness for the
// transaction engine: it records pass/fail results the way a card-level
// test suite would, without the original test suite's card-category
// switchboard or HTML report (there is no physical reader category here,
// and the audit package already renders a request/response trail).
package scenario

import "fmt"

// Result is the outcome of one end-to-end scenario or property check.
type Result struct {
	Name   string
	Passed bool
	Detail string
	Err    error
}

// Suite accumulates Results the way testing.TestSuite accumulates
// TestResults, minus the reader/category bookkeeping this engine has no
// use for: a scenario exercises the transaction package directly against a
// scripted reader and crypto driver, not a physical card.
type Suite struct {
	Results []Result
}

// Run executes fn, recording name/pass-fail/detail, and returns whether it
// passed.
func (s *Suite) Run(name string, fn func() (string, error)) bool {
	detail, err := fn()
	r := Result{Name: name, Detail: detail, Err: err, Passed: err == nil}
	s.Results = append(s.Results, r)
	return r.Passed
}

// Summary is the aggregate pass/fail count.
type Summary struct {
	Total, Passed, Failed int
	FailedNames            []string
}

func (s *Suite) Summary() Summary {
	sum := Summary{Total: len(s.Results)}
	for _, r := range s.Results {
		if r.Passed {
			sum.Passed++
		} else {
			sum.Failed++
			sum.FailedNames = append(sum.FailedNames, r.Name)
		}
	}
	return sum
}

// String renders a one-line report, e.g. "4/4 passed".
func (sum Summary) String() string {
	if sum.Failed == 0 {
		return fmt.Sprintf("%d/%d passed", sum.Passed, sum.Total)
	}
	return fmt.Sprintf("%d/%d passed, failed: %v", sum.Passed, sum.Total, sum.FailedNames)
}
