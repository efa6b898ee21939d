package endpoint

import (
	"errors"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"kisgate/pkg/core"
)

// Market division codes.
const (
	MarketStock = "J"
	MarketETF   = "ETF"
	MarketELW   = "W"
)

// InquirePrice requests the current quote of one instrument.
type InquirePrice struct {
	Market string `validate:"omitempty,oneof=J ETF W"`
	Code   string `validate:"required,alphanum,len=6"`
}

func (r *InquirePrice) Endpoint() string { return NameInquirePrice }

func (r *InquirePrice) Params() core.Params {
	market := r.Market
	if market == "" {
		market = MarketStock
	}
	return core.Params{
		"FID_COND_MRKT_DIV_CODE": market,
		"FID_INPUT_ISCD":         r.Code,
	}
}

// InquireBalance lists account holdings. The result is paged.
type InquireBalance struct {
	Account string `validate:"required,account"`
	// ByStock groups holdings per instrument instead of per lot.
	ByStock      bool
	AfterHours   bool
	IncludeFunds bool
}

func (r *InquireBalance) Endpoint() string { return NameInquireBalance }

func (r *InquireBalance) Params() core.Params {
	cano, prdt, _ := core.Credentials{AccountNumber: r.Account}.AccountParts()
	inqr := "01"
	if r.ByStock {
		inqr = "02"
	}
	return core.Params{
		"CANO":                  cano,
		"ACNT_PRDT_CD":          prdt,
		"AFHR_FLPR_YN":          r.AfterHours,
		"OFL_YN":                "",
		"INQR_DVSN":             inqr,
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     r.IncludeFunds,
		"FNCG_AMT_AUTO_RDPT_YN": false,
		"PRCS_DVSN":             "00",
	}
}

// Side selects buy or sell orders.
type Side string

const (
	SideAll  Side = ""
	SideSell Side = "01"
	SideBuy  Side = "02"
)

// InquireDailyCcld lists orders and executions between two dates. The
// result is paged.
type InquireDailyCcld struct {
	Account string `validate:"required,account"`
	From    string `validate:"required,datetime=20060102"`
	To      string `validate:"required,datetime=20060102"`
	Side    Side   `validate:"omitempty,oneof=01 02"`
	Code    string `validate:"omitempty,alphanum,len=6"`
	// Executed limits the result to filled (true) orders.
	Executed bool
}

func (r *InquireDailyCcld) Endpoint() string { return NameInquireDailyCcld }

func (r *InquireDailyCcld) check() error {
	if r.From > r.To {
		return errors.New("From is after To")
	}
	return nil
}

func (r *InquireDailyCcld) Params() core.Params {
	cano, prdt, _ := core.Credentials{AccountNumber: r.Account}.AccountParts()
	side := string(r.Side)
	if side == "" {
		side = "00"
	}
	ccld := "00"
	if r.Executed {
		ccld = "01"
	}
	return core.Params{
		"CANO":            cano,
		"ACNT_PRDT_CD":    prdt,
		"INQR_STRT_DT":    r.From,
		"INQR_END_DT":     r.To,
		"SLL_BUY_DVSN_CD": side,
		"INQR_DVSN":       "00",
		"PDNO":            r.Code,
		"CCLD_DVSN":       ccld,
		"ORD_GNO_BRNO":    "",
		"ODNO":            "",
		"INQR_DVSN_3":     "00",
		"INQR_DVSN_1":     "",
	}
}

// Order divisions.
const (
	OrderLimit  = "00"
	OrderMarket = "01"
)

// OrderCash places a cash buy or sell order.
type OrderCash struct {
	Account  string `validate:"required,account"`
	Side     Side   `validate:"required,oneof=01 02"`
	Code     string `validate:"required,alphanum,len=6"`
	Division string `validate:"required,oneof=00 01"`
	Quantity int64  `validate:"gt=0"`
	// Price must be a positive whole number for limit orders and zero for
	// market orders.
	Price apd.Decimal
}

func (r *OrderCash) Endpoint() string {
	if r.Side == SideSell {
		return NameOrderCashSell
	}
	return NameOrderCashBuy
}

func (r *OrderCash) check() error {
	switch {
	case r.Price.Sign() < 0:
		return errors.New("Price is negative")
	case r.Division == OrderMarket && r.Price.Sign() != 0:
		return errors.New("market orders take no price")
	case r.Division == OrderLimit && r.Price.Sign() == 0:
		return errors.New("limit orders need a price")
	}
	if _, frac, _ := strings.Cut(r.Price.Text('f'), "."); strings.Trim(frac, "0") != "" {
		return errors.New("Price must be a whole number of won")
	}
	return nil
}

func (r *OrderCash) Params() core.Params {
	cano, prdt, _ := core.Credentials{AccountNumber: r.Account}.AccountParts()
	return core.Params{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         r.Code,
		"ORD_DVSN":     r.Division,
		"ORD_QTY":      r.Quantity,
		"ORD_UNPR":     integral(&r.Price),
	}
}

func integral(d *apd.Decimal) string {
	whole, _, _ := strings.Cut(d.Text('f'), ".")
	if whole == "-0" {
		return "0"
	}
	return whole
}
