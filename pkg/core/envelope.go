package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
)

// ContinuationFlag is the tr_cont header value of a paged response.
type ContinuationFlag string

// Continuation flags observed on responses.
const (
	// ContNone is the initial (empty) flag.
	ContNone ContinuationFlag = ""
	// ContFirst marks the first page of a result with more pages following.
	ContFirst ContinuationFlag = "F"
	// ContMore marks a middle page with more pages following.
	ContMore ContinuationFlag = "M"
	// ContLast marks the last page.
	ContLast ContinuationFlag = "D"
	// ContEnd also marks the last page on some endpoints.
	ContEnd ContinuationFlag = "E"
)

// RequestContinuation is the tr_cont value sent when requesting a subsequent page.
const RequestContinuation = "N"

// HasMore reports whether more pages follow.
func (f ContinuationFlag) HasMore() bool {
	return f == ContFirst || f == ContMore
}

// Row is one record of an output block.
type Row map[string]any

// String returns the field as a string, or "" when absent.
func (r Row) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Envelope is the parsed form of one REST response.
type Envelope struct {
	StatusCode    int              `json:"status_code"`
	TransactionID string           `json:"tr_id,omitempty"`
	Continuation  ContinuationFlag `json:"tr_cont"`
	ResultCode    string           `json:"rt_cd"`
	MessageCode   string           `json:"msg_cd"`
	Message       string           `json:"msg1"`
	// Outputs holds every output block by name ("output", "output1", ...),
	// each normalized to a sequence of rows.
	Outputs   map[string][]Row `json:"outputs"`
	SearchKey string           `json:"search_key,omitempty"`
	NextKey   string           `json:"next_key,omitempty"`
	Raw       []byte           `json:"-"`
}

// Success reports whether the server accepted the request.
func (e *Envelope) Success() bool {
	return e.ResultCode == "0"
}

// Output returns the named output block, or nil.
func (e *Envelope) Output(name string) []Row {
	return e.Outputs[name]
}

// OutputNames returns the output block names in sorted order.
func (e *Envelope) OutputNames() []string {
	names := make([]string, 0, len(e.Outputs))
	for name := range e.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Err returns the API error described by a failed envelope, or nil on success.
func (e *Envelope) Err() error {
	if e.Success() {
		return nil
	}
	return NewAPIError(e.MessageCode, e.Message).
		WithTransaction(e.TransactionID).
		WithStatus(e.StatusCode)
}

// ParseEnvelope decodes a response body. cursor names the continuation key
// fields to extract; nil skips key extraction.
func ParseEnvelope(status int, trCont string, body []byte, cursor *CursorSpec) (*Envelope, error) {
	env := &Envelope{
		StatusCode:   status,
		Continuation: ContinuationFlag(strings.TrimSpace(trCont)),
		Outputs:      make(map[string][]Row),
		Raw:          body,
	}
	if len(body) == 0 {
		return nil, NewParseError("empty response body", nil).WithStatus(status)
	}

	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, NewParseError("decode response body", err).WithStatus(status)
	}

	env.ResultCode = stringField(raw, "rt_cd")
	env.MessageCode = stringField(raw, "msg_cd")
	env.Message = strings.TrimSpace(stringField(raw, "msg1"))

	for key, value := range raw {
		if !strings.HasPrefix(key, "output") {
			continue
		}
		env.Outputs[key] = toRows(value)
	}

	if cursor != nil {
		env.SearchKey = strings.TrimSpace(stringField(raw, strings.ToLower(cursor.SearchKeyParam)))
		env.NextKey = strings.TrimSpace(stringField(raw, strings.ToLower(cursor.NextKeyParam)))
	}
	return env, nil
}

func toRows(value any) []Row {
	switch v := value.(type) {
	case map[string]any:
		return []Row{v}
	case []any:
		rows := make([]Row, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	default:
		return nil
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
