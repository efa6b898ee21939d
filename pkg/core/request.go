package core

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Params holds request parameters keyed by their wire name.
type Params map[string]any

// Default cursor parameter names used by most paged inquiries.
const (
	DefaultSearchKeyParam = "CTX_AREA_FK100"
	DefaultNextKeyParam   = "CTX_AREA_NK100"
)

// CursorSpec names the request parameters that carry the continuation keys.
// The response carries the same fields in lower case.
type CursorSpec struct {
	SearchKeyParam string `json:"search_key_param"`
	NextKeyParam   string `json:"next_key_param"`
}

// DefaultCursor returns the CTX_AREA_FK100/NK100 cursor.
func DefaultCursor() *CursorSpec {
	return &CursorSpec{
		SearchKeyParam: DefaultSearchKeyParam,
		NextKeyParam:   DefaultNextKeyParam,
	}
}

// RequestSpec fully describes one logical REST call.
type RequestSpec struct {
	// Path is appended to the REST base URL.
	Path string `json:"path" validate:"required,startswith=/"`
	// TransactionID selects the endpoint behavior (tr_id header).
	TransactionID string `json:"tr_id" validate:"required"`
	// Params are sent as query string for reads and as a JSON body for writes.
	Params Params `json:"params,omitempty"`
	// IsWrite selects POST-with-body semantics instead of GET-with-query.
	IsWrite bool `json:"is_write"`
	// Cursor enables key threading between continuation pages. Nil means the
	// walk relies on the continuation header alone.
	Cursor *CursorSpec `json:"cursor,omitempty"`
}

// NewRequestSpec creates a read request for the given path and transaction id.
func NewRequestSpec(path, trID string) *RequestSpec {
	return &RequestSpec{
		Path:          path,
		TransactionID: trID,
		Params:        make(Params),
	}
}

// Set sets one parameter and returns the spec for chaining.
func (r *RequestSpec) Set(key string, value any) *RequestSpec {
	if r.Params == nil {
		r.Params = make(Params)
	}
	r.Params[key] = value
	return r
}

// SetParams copies params into the spec and returns it for chaining.
func (r *RequestSpec) SetParams(params Params) *RequestSpec {
	if r.Params == nil {
		r.Params = make(Params)
	}
	maps.Copy(r.Params, params)
	return r
}

// Write marks the spec as a POST request and returns it for chaining.
func (r *RequestSpec) Write() *RequestSpec {
	r.IsWrite = true
	return r
}

// Paged enables cursor threading with the given cursor and returns the spec for chaining.
func (r *RequestSpec) Paged(cursor *CursorSpec) *RequestSpec {
	r.Cursor = cursor
	return r
}

// Validate checks the spec before it is sent.
func (r *RequestSpec) Validate() error {
	if err := validate.Struct(r); err != nil {
		return NewValidationError("invalid request spec", err)
	}
	if r.Cursor != nil && (r.Cursor.SearchKeyParam == "" || r.Cursor.NextKeyParam == "") {
		return NewValidationError("cursor parameters must both be named", nil)
	}
	return nil
}

// Clone returns a copy whose Params map can be modified independently.
func (r *RequestSpec) Clone() *RequestSpec {
	c := *r
	c.Params = maps.Clone(r.Params)
	if c.Params == nil {
		c.Params = make(Params)
	}
	return &c
}

// QueryParams renders Params as strings for a query string.
func (r *RequestSpec) QueryParams() map[string]string {
	return ParamsToStringMap(r.Params)
}

// Body renders Params as a JSON object body with every key upper-cased.
func (r *RequestSpec) Body() map[string]any {
	body := make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		body[strings.ToUpper(k)] = stringify(v)
	}
	return body
}

// ParamsToStringMap renders every parameter value as its wire string.
func ParamsToStringMap(params Params) map[string]string {
	result := make(map[string]string, len(params))
	for k, v := range params {
		result[k] = stringify(v)
	}
	return result
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "Y"
		}
		return "N"
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// PaperTransactionID maps a live transaction id to its paper-trading twin.
// Ids starting with T, J or C are served under a V prefix on the paper system.
func PaperTransactionID(trID string) string {
	if trID == "" {
		return trID
	}
	switch trID[0] {
	case 'T', 'J', 'C':
		return "V" + trID[1:]
	}
	return trID
}
