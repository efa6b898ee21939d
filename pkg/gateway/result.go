package gateway

import "kisgate/pkg/core"

// StopReason tells why a pagination walk ended.
type StopReason int

const (
	// StopComplete means the server reported the last page.
	StopComplete StopReason = iota
	// StopLimit means the depth bound was reached while more pages remained.
	StopLimit
	// StopAPIError means the server rejected a page; Result.Err holds its code and message.
	StopAPIError
	// StopCursorRepeat means the server handed back a cursor already used in this walk.
	StopCursorRepeat
	// StopError means a transport or authentication failure ended the walk.
	StopError
)

func (s StopReason) String() string {
	switch s {
	case StopComplete:
		return "complete"
	case StopLimit:
		return "limit"
	case StopAPIError:
		return "api_error"
	case StopCursorRepeat:
		return "cursor_repeat"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is everything one walk retrieved.
type Result struct {
	// Pages holds every successful page in request order.
	Pages []*core.Envelope
	// Stop is why the walk ended.
	Stop StopReason
	// Err is the API error for StopAPIError and the returned error for StopError.
	Err error
}

// Truncated reports whether the walk stopped at the depth bound with more pages remaining.
func (r *Result) Truncated() bool {
	return r.Stop == StopLimit
}

// Rows concatenates the named output block across all pages.
func (r *Result) Rows(name string) []core.Row {
	var rows []core.Row
	for _, p := range r.Pages {
		rows = append(rows, p.Output(name)...)
	}
	return rows
}

// First returns the first page, or nil.
func (r *Result) First() *core.Envelope {
	if len(r.Pages) == 0 {
		return nil
	}
	return r.Pages[0]
}

// Len returns the number of pages.
func (r *Result) Len() int {
	return len(r.Pages)
}
