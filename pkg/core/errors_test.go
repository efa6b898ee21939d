package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		name string
		kind ErrorKind
		want string
	}{
		{"unknown", KindUnknown, "UNKNOWN"},
		{"auth", KindAuth, "AUTH"},
		{"transport", KindTransport, "TRANSPORT"},
		{"api", KindAPI, "API"},
		{"decrypt", KindDecrypt, "DECRYPT"},
		{"parse", KindParse, "PARSE"},
		{"validation", KindValidation, "VALIDATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  &Error{Kind: KindTransport, Message: "connection reset"},
			want: "TRANSPORT (0): connection reset",
		},
		{
			name: "with_code",
			err:  &Error{Kind: KindAPI, StatusCode: 200, Code: "APBK0013", Message: "no data"},
			want: "API (200/APBK0013): no data",
		},
		{
			name: "with_transaction_and_code",
			err:  &Error{Kind: KindAPI, StatusCode: 500, Code: "EGW00123", Message: "token expired", TransactionID: "FHKST01010100"},
			want: "API [FHKST01010100] (500/EGW00123): token expired",
		},
		{
			name: "with_transaction",
			err:  &Error{Kind: KindParse, TransactionID: "H0STCNT0", Message: "field count"},
			want: "PARSE [H0STCNT0] (0): field count",
		},
		{
			name: "with_cause",
			err:  &Error{Kind: KindAuth, Message: "issue token", Err: errors.New("403 forbidden")},
			want: "AUTH (0): issue token: 403 forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewTransportError("http request", cause)

	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Timestamp.IsZero())
}

func TestIsErrorKind(t *testing.T) {
	wrapped := fmt.Errorf("call: %w", NewAuthError("token rejected", nil))

	assert.True(t, IsAuthError(wrapped))
	assert.False(t, IsTransportError(wrapped))

	assert.True(t, IsTransportError(NewTransportError("x", nil)))
	assert.True(t, IsAPIError(NewAPIError("C", "m")))
	assert.True(t, IsDecryptError(NewDecryptError("x", nil)))
	assert.True(t, IsParseError(NewParseError("x", nil)))
	assert.True(t, IsValidationError(NewValidationError("x", nil)))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}
