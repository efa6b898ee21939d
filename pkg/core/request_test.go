package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestSpec(t *testing.T) {
	spec := NewRequestSpec("/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100")

	assert.Equal(t, "/uapi/domestic-stock/v1/quotations/inquire-price", spec.Path)
	assert.Equal(t, "FHKST01010100", spec.TransactionID)
	assert.NotNil(t, spec.Params)
	assert.False(t, spec.IsWrite)
	assert.Nil(t, spec.Cursor)
}

func TestRequestSpec_Chaining(t *testing.T) {
	spec := NewRequestSpec("/a", "TTTC8434R").
		Set("CANO", "12345678").
		SetParams(Params{"ACNT_PRDT_CD": "01"}).
		Paged(DefaultCursor())

	assert.Equal(t, "12345678", spec.Params["CANO"])
	assert.Equal(t, "01", spec.Params["ACNT_PRDT_CD"])
	assert.Equal(t, DefaultSearchKeyParam, spec.Cursor.SearchKeyParam)
	assert.Equal(t, DefaultNextKeyParam, spec.Cursor.NextKeyParam)

	spec.Write()
	assert.True(t, spec.IsWrite)
}

func TestRequestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    *RequestSpec
		wantErr bool
	}{
		{"valid", NewRequestSpec("/uapi/x", "FHKST01010100"), false},
		{"missing_path", NewRequestSpec("", "FHKST01010100"), true},
		{"relative_path", NewRequestSpec("uapi/x", "FHKST01010100"), true},
		{"missing_tr_id", NewRequestSpec("/uapi/x", ""), true},
		{"half_cursor", NewRequestSpec("/uapi/x", "T").Paged(&CursorSpec{SearchKeyParam: "FK"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRequestSpec_Clone(t *testing.T) {
	spec := NewRequestSpec("/a", "T").Set("K", "v")
	clone := spec.Clone()
	clone.Params["K"] = "changed"

	assert.Equal(t, "v", spec.Params["K"])
	assert.Equal(t, "changed", clone.Params["K"])
}

func TestRequestSpec_Body(t *testing.T) {
	spec := NewRequestSpec("/order", "TTTC0802U").SetParams(Params{
		"cano":     "12345678",
		"Ord_Qty":  10,
		"ORD_UNPR": "0",
	})

	body := spec.Body()

	assert.Equal(t, map[string]any{
		"CANO":     "12345678",
		"ORD_QTY":  "10",
		"ORD_UNPR": "0",
	}, body)
}

func TestParamsToStringMap(t *testing.T) {
	params := Params{
		"string":   "value",
		"int":      42,
		"int64":    int64(123456789),
		"float":    3.14,
		"bool":     true,
		"false":    false,
		"nil":      nil,
		"duration": time.Second,
	}

	result := ParamsToStringMap(params)

	assert.Equal(t, "value", result["string"])
	assert.Equal(t, "42", result["int"])
	assert.Equal(t, "123456789", result["int64"])
	assert.Equal(t, "3.14", result["float"])
	assert.Equal(t, "Y", result["bool"])
	assert.Equal(t, "N", result["false"])
	assert.Equal(t, "", result["nil"])
	assert.Equal(t, "1s", result["duration"])
}

func TestPaperTransactionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TTTC8434R", "VTTC8434R"},
		{"JTTT1002U", "VTTT1002U"},
		{"CTSC9115R", "VTSC9115R"},
		{"FHKST01010100", "FHKST01010100"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PaperTransactionID(tt.in), tt.in)
	}
}
