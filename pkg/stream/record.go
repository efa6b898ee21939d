package stream

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"kisgate/pkg/core"
)

// Record is one decoded record: the values of a frame in schema order.
type Record struct {
	schema *Schema
	values []string
}

// NewRecord pairs values with schema. len(values) must equal schema.Len().
func NewRecord(schema *Schema, values []string) (Record, error) {
	if len(values) != schema.Len() {
		return Record{}, core.NewParseError(
			fmt.Sprintf("record has %d fields, schema has %d", len(values), schema.Len()), nil).
			WithTransaction(schema.TransactionID)
	}
	return Record{schema: schema, values: values}, nil
}

// TransactionID returns the transaction the record belongs to.
func (r Record) TransactionID() string {
	return r.schema.TransactionID
}

// Get returns the value of field.
func (r Record) Get(field string) (string, bool) {
	i := r.schema.Index(field)
	if i < 0 {
		return "", false
	}
	return r.values[i], true
}

// Value returns the value of field, or "".
func (r Record) Value(field string) string {
	v, _ := r.Get(field)
	return v
}

// Fields returns the field names in wire order.
func (r Record) Fields() []string {
	return r.schema.Fields()
}

// Values returns a copy of the values in wire order.
func (r Record) Values() []string {
	return append([]string(nil), r.values...)
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.values)
}

// Map returns the record as a field to value map.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.values))
	for i, f := range r.schema.fields {
		m[f] = r.values[i]
	}
	return m
}

// Decimal parses field as an exact decimal.
func (r Record) Decimal(field string) (*apd.Decimal, error) {
	v, ok := r.Get(field)
	if !ok {
		return nil, core.NewParseError(fmt.Sprintf("no field %q", field), nil).WithTransaction(r.TransactionID())
	}
	d, _, err := apd.NewFromString(v)
	if err != nil {
		return nil, core.NewParseError(fmt.Sprintf("field %q is not a decimal", field), err).WithTransaction(r.TransactionID())
	}
	return d, nil
}
