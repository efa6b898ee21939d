package gateway

import "kisgate/pkg/core"

type cursorPair struct {
	search string
	next   string
}

// PageCursor is the state of one pagination walk.
type PageCursor struct {
	Continuation core.ContinuationFlag
	SearchKey    string
	NextKey      string
	Depth        int

	seen map[cursorPair]struct{}
}

// NewPageCursor returns the cursor of a walk's first page.
func NewPageCursor() *PageCursor {
	return &PageCursor{seen: make(map[cursorPair]struct{})}
}

// RequestFlag returns the tr_cont value to send for the current page.
func (c *PageCursor) RequestFlag() string {
	if c.Depth == 0 {
		return ""
	}
	return core.RequestContinuation
}

// Seen reports whether the keys of env were already used in this walk.
// An all-empty key pair never counts as seen, so endpoints that paginate
// by header alone are not mistaken for a loop.
func (c *PageCursor) Seen(env *core.Envelope) bool {
	p := cursorPair{env.SearchKey, env.NextKey}
	if p == (cursorPair{}) {
		return false
	}
	_, ok := c.seen[p]
	return ok
}

// Advance moves the cursor to the page following env.
func (c *PageCursor) Advance(env *core.Envelope) {
	c.Continuation = env.Continuation
	c.SearchKey = env.SearchKey
	c.NextKey = env.NextKey
	c.Depth++

	if p := (cursorPair{env.SearchKey, env.NextKey}); p != (cursorPair{}) {
		c.seen[p] = struct{}{}
	}
}

// apply writes the cursor keys into the request parameters of spec.
func (c *PageCursor) apply(spec *core.RequestSpec) *core.RequestSpec {
	if spec.Cursor == nil {
		return spec
	}
	out := spec.Clone()
	if c.Depth == 0 {
		if _, ok := out.Params[spec.Cursor.SearchKeyParam]; !ok {
			out.Params[spec.Cursor.SearchKeyParam] = ""
		}
		if _, ok := out.Params[spec.Cursor.NextKeyParam]; !ok {
			out.Params[spec.Cursor.NextKeyParam] = ""
		}
		return out
	}
	out.Params[spec.Cursor.SearchKeyParam] = c.SearchKey
	out.Params[spec.Cursor.NextKeyParam] = c.NextKey
	return out
}
