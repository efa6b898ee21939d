package stream

import (
	"fmt"
	"sort"
	"sync"

	"kisgate/pkg/core"
)

// Schema is the ordered field list of one streaming transaction.
type Schema struct {
	TransactionID string
	fields        []string
	index         map[string]int
}

// NewSchema builds a schema. Field names must be unique.
func NewSchema(trID string, fields []string) (*Schema, error) {
	if trID == "" || len(fields) == 0 {
		return nil, core.NewValidationError("schema needs a transaction id and fields", nil)
	}
	s := &Schema{
		TransactionID: trID,
		fields:        append([]string(nil), fields...),
		index:         make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.index[f]; dup {
			return nil, core.NewValidationError(fmt.Sprintf("duplicate field %q", f), nil).WithTransaction(trID)
		}
		s.index[f] = i
	}
	return s, nil
}

// Len returns the number of fields per record.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the field names in wire order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Index returns the position of field, or -1.
func (s *Schema) Index(field string) int {
	if i, ok := s.index[field]; ok {
		return i
	}
	return -1
}

var registry = struct {
	sync.RWMutex
	schemas map[string]*Schema
}{schemas: make(map[string]*Schema)}

// RegisterSchema adds or replaces the schema of trID.
func RegisterSchema(trID string, fields []string) error {
	s, err := NewSchema(trID, fields)
	if err != nil {
		return err
	}
	registry.Lock()
	registry.schemas[trID] = s
	registry.Unlock()
	return nil
}

// LookupSchema returns the schema of trID.
func LookupSchema(trID string) (*Schema, bool) {
	registry.RLock()
	defer registry.RUnlock()
	s, ok := registry.schemas[trID]
	return s, ok
}

// TransactionIDs returns every registered transaction id, sorted.
func TransactionIDs() []string {
	registry.RLock()
	defer registry.RUnlock()
	ids := make([]string, 0, len(registry.schemas))
	for id := range registry.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func mustRegister(trID string, fields []string) {
	if err := RegisterSchema(trID, fields); err != nil {
		panic(err)
	}
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Built-in transactions.
const (
	TrStockTrade     = "H0STCNT0" // domestic stock execution
	TrStockOrderbook = "H0STASP0" // domestic stock 10-level orderbook
	TrExecNotice     = "H0STCNI0" // order execution notice, live
	TrExecNoticePap  = "H0STCNI9" // order execution notice, paper
	TrELWOrderbook   = "H0EWASP0" // ELW orderbook with LP quantities
	TrOverseasTrade  = "HDFSCNT0" // overseas stock delayed execution
)

var stockTradeFields = []string{
	"MKSC_SHRN_ISCD", "STCK_CNTG_HOUR", "STCK_PRPR", "PRDY_VRSS_SIGN", "PRDY_VRSS",
	"PRDY_CTRT", "WGHN_AVRG_STCK_PRC", "STCK_OPRC", "STCK_HGPR", "STCK_LWPR",
	"ASKP1", "BIDP1", "CNTG_VOL", "ACML_VOL", "ACML_TR_PBMN",
	"SELN_CNTG_CSNU", "SHNU_CNTG_CSNU", "NTBY_CNTG_CSNU", "CTTR", "SELN_CNTG_SMTN",
	"SHNU_CNTG_SMTN", "CCLD_DVSN", "SHNU_RATE", "PRDY_VOL_VRSS_ACML_VOL_RATE", "OPRC_HOUR",
	"OPRC_VRSS_PRPR_SIGN", "OPRC_VRSS_PRPR", "HGPR_HOUR", "HGPR_VRSS_PRPR_SIGN", "HGPR_VRSS_PRPR",
	"LWPR_HOUR", "LWPR_VRSS_PRPR_SIGN", "LWPR_VRSS_PRPR", "BSOP_DATE", "NEW_MKOP_CLS_CODE",
	"TRHT_YN", "ASKP_RSQN1", "BIDP_RSQN1", "TOTAL_ASKP_RSQN", "TOTAL_BIDP_RSQN",
	"VOL_TNRT", "PRDY_SMNS_HOUR_ACML_VOL", "PRDY_SMNS_HOUR_ACML_VOL_RATE", "HOUR_CLS_CODE", "MRKT_TRTM_CLS_CODE",
	"VI_STND_PRC",
}

var stockOrderbookFields = concat(
	[]string{"MKSC_SHRN_ISCD", "BSOP_HOUR", "HOUR_CLS_CODE"},
	numbered("ASKP", 10),
	numbered("BIDP", 10),
	numbered("ASKP_RSQN", 10),
	numbered("BIDP_RSQN", 10),
	[]string{
		"TOTAL_ASKP_RSQN", "TOTAL_BIDP_RSQN", "OVTM_TOTAL_ASKP_RSQN", "OVTM_TOTAL_BIDP_RSQN",
		"ANTC_CNPR", "ANTC_CNQN", "ANTC_VOL", "ANTC_CNTG_VRSS", "ANTC_CNTG_VRSS_SIGN",
		"ANTC_CNTG_PRDY_CTRT", "ACML_VOL", "TOTAL_ASKP_RSQN_ICDC", "TOTAL_BIDP_RSQN_ICDC",
		"OVTM_TOTAL_ASKP_ICDC", "OVTM_TOTAL_BIDP_ICDC", "STCK_DEAL_CLS_CODE",
	},
)

var execNoticeFields = []string{
	"CUST_ID", "ACNT_NO", "ODER_NO", "OODER_NO", "SELN_BYOV_CLS",
	"RCTF_CLS", "ODER_KIND", "ODER_COND", "STCK_SHRN_ISCD", "CNTG_QTY",
	"CNTG_UNPR", "STCK_CNTG_HOUR", "RFUS_YN", "CNTG_YN", "ACPT_YN",
	"BRNC_NO", "ODER_QTY", "ACNT_NAME", "ORD_COND_PRC", "ORD_EXG_GB",
	"POPUP_YN", "FILLER", "CRDT_CLS", "CRDT_LOAN_DATE", "CNTG_ISNM40",
	"ODER_PRC",
}

var elwOrderbookFields = concat(
	[]string{"MKSC_SHRN_ISCD", "BSOP_HOUR", "HOUR_CLS_CODE"},
	numbered("ASKP", 10),
	numbered("BIDP", 10),
	numbered("ASKP_RSQN", 10),
	numbered("BIDP_RSQN", 10),
	[]string{
		"TOTAL_ASKP_RSQN", "TOTAL_BIDP_RSQN", "ANTC_CNPR", "ANTC_CNQN",
		"ANTC_CNTG_VRSS_SIGN", "ANTC_CNTG_VRSS", "ANTC_CNTG_PRDY_CTRT",
	},
	numbered("LP_ASKP_RSQN", 10),
	numbered("LP_BIDP_RSQN", 10),
	[]string{"LP_TOTAL_ASKP_RSQN", "LP_TOTAL_BIDP_RSQN", "ANTC_VOL"},
)

var overseasTradeFields = []string{
	"RSYM", "SYMB", "ZDIV", "TYMD", "XYMD", "XHMS", "KYMD", "KHMS",
	"OPEN", "HIGH", "LOW", "LAST", "SIGN", "DIFF", "RATE",
	"PBID", "PASK", "VBID", "VASK", "EVOL", "TVOL", "TAMT",
	"BIVL", "ASVL", "STRN", "MTYP",
}

func init() {
	mustRegister(TrStockTrade, stockTradeFields)
	mustRegister(TrStockOrderbook, stockOrderbookFields)
	mustRegister(TrExecNotice, execNoticeFields)
	mustRegister(TrExecNoticePap, execNoticeFields)
	mustRegister(TrELWOrderbook, elwOrderbookFields)
	mustRegister(TrOverseasTrade, overseasTradeFields)
}
