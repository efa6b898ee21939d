// Package endpoint provides typed requests for a representative set of REST
// endpoints. Each request type maps to one row of the endpoint table and is
// turned into a core.RequestSpec by Build.
package endpoint

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"kisgate/pkg/core"
)

// Endpoint describes one REST endpoint.
type Endpoint struct {
	Name          string
	Path          string
	TransactionID string
	Write         bool
	Paged         bool
}

// Endpoint names.
const (
	NameInquirePrice     = "inquire-price"
	NameInquireBalance   = "inquire-balance"
	NameInquireDailyCcld = "inquire-daily-ccld"
	NameOrderCashBuy     = "order-cash-buy"
	NameOrderCashSell    = "order-cash-sell"
)

var table = map[string]Endpoint{
	NameInquirePrice: {
		Path:          "/uapi/domestic-stock/v1/quotations/inquire-price",
		TransactionID: "FHKST01010100",
	},
	NameInquireBalance: {
		Path:          "/uapi/domestic-stock/v1/trading/inquire-balance",
		TransactionID: "TTTC8434R",
		Paged:         true,
	},
	NameInquireDailyCcld: {
		Path:          "/uapi/domestic-stock/v1/trading/inquire-daily-ccld",
		TransactionID: "TTTC8001R",
		Paged:         true,
	},
	NameOrderCashBuy: {
		Path:          "/uapi/domestic-stock/v1/trading/order-cash",
		TransactionID: "TTTC0802U",
		Write:         true,
	},
	NameOrderCashSell: {
		Path:          "/uapi/domestic-stock/v1/trading/order-cash",
		TransactionID: "TTTC0801U",
		Write:         true,
	},
}

// Lookup returns the endpoint registered under name.
func Lookup(name string) (Endpoint, bool) {
	e, ok := table[name]
	e.Name = name
	return e, ok
}

// Request is implemented by every typed request.
type Request interface {
	// Endpoint names the table row the request targets.
	Endpoint() string
	// Params renders the validated request as wire parameters.
	Params() core.Params
}

// checker is implemented by requests with rules struct tags cannot express.
type checker interface {
	check() error
}

// Build validates req and turns it into a request spec.
func Build(req Request) (*core.RequestSpec, error) {
	if req == nil {
		return nil, core.NewValidationError("nil request", nil)
	}
	e, ok := Lookup(req.Endpoint())
	if !ok {
		return nil, core.NewValidationError(fmt.Sprintf("unknown endpoint %q", req.Endpoint()), nil)
	}

	if err := core.Validator().Struct(req); err != nil {
		return nil, core.NewValidationError(describe(err), err).WithTransaction(e.TransactionID)
	}
	if c, ok := req.(checker); ok {
		if err := c.check(); err != nil {
			return nil, core.NewValidationError(err.Error(), err).WithTransaction(e.TransactionID)
		}
	}

	spec := core.NewRequestSpec(e.Path, e.TransactionID).SetParams(req.Params())
	if e.Write {
		spec.Write()
	}
	if e.Paged {
		spec.Paged(core.DefaultCursor())
	}
	return spec, nil
}

func describe(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return "invalid request"
	}
	f := fields[0]
	return fmt.Sprintf("field %s failed %q", f.Namespace(), f.Tag())
}
