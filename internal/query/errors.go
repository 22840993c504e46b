package query

import "fmt"

// QueryError reports an invalid window, date or argument. Queries that fail
// return no partial results.
type QueryError struct {
	Op     string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func errorf(op, format string, args ...any) *QueryError {
	return &QueryError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
