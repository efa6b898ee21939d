// Package stream implements the real-time market data session: the frame
// codec, per-subscription AES-256-CBC decryption, schema-driven record
// decoding and handler dispatch.
//
// A data frame on the wire is
//
//	FLAG|TR_ID|COUNT|PAYLOAD
//
// where FLAG is 0 for plaintext and 1 for an encrypted payload, and PAYLOAD
// holds COUNT records whose fields are joined by '^'. Records are either
// concatenated flat and split by the schema length, or separated by '|'.
package stream

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"kisgate/pkg/core"
)

// Wire delimiters.
const (
	FrameDelimiter  = "|"
	FieldDelimiter  = "^"
	flagPlaintext   = "0"
	flagEncrypted   = "1"
	frameHeaderSize = 4
)

// Frame is one data line split into its header parts.
type Frame struct {
	Encrypted     bool
	TransactionID string
	Count         int
	Payload       string
}

// ParseFrame splits a raw data line.
func ParseFrame(line string) (*Frame, error) {
	parts := strings.SplitN(line, FrameDelimiter, frameHeaderSize)
	if len(parts) != frameHeaderSize {
		return nil, core.NewParseError("frame must have four parts", nil)
	}

	f := &Frame{TransactionID: parts[1], Payload: parts[3]}
	switch parts[0] {
	case flagPlaintext:
	case flagEncrypted:
		f.Encrypted = true
	default:
		return nil, core.NewParseError(fmt.Sprintf("bad encryption flag %q", parts[0]), nil)
	}
	if f.TransactionID == "" {
		return nil, core.NewParseError("empty transaction id", nil)
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return nil, core.NewParseError(fmt.Sprintf("bad record count %q", parts[2]), err).WithTransaction(f.TransactionID)
	}
	f.Count = count
	return f, nil
}

// Codec decodes and encodes data frames.
type Codec struct {
	encoding core.PayloadEncoding
}

// NewCodec creates a codec for the given encrypted payload encoding.
// An empty encoding means base64.
func NewCodec(encoding core.PayloadEncoding) *Codec {
	if encoding == "" {
		encoding = core.EncodingBase64
	}
	return &Codec{encoding: encoding}
}

// Decode turns a frame into records, decrypting it with cipher when the
// frame is encrypted.
func (c *Codec) Decode(frame *Frame, cipher *CipherContext) ([]Record, error) {
	payload := frame.Payload
	if frame.Encrypted {
		plain, err := c.decrypt(frame.Payload, cipher)
		if err != nil {
			if ce, ok := err.(*core.Error); ok {
				ce.WithTransaction(frame.TransactionID)
			}
			return nil, err
		}
		payload = plain
	}

	schema, ok := LookupSchema(frame.TransactionID)
	if !ok {
		return nil, core.NewParseError("no schema", core.ErrUnknownTransaction).WithTransaction(frame.TransactionID)
	}
	return split(schema, frame.Count, payload)
}

// DecodeLine parses and decodes a raw line in one step.
func (c *Codec) DecodeLine(line string, cipher *CipherContext) (*Frame, []Record, error) {
	frame, err := ParseFrame(line)
	if err != nil {
		return nil, nil, err
	}
	records, err := c.Decode(frame, cipher)
	return frame, records, err
}

func (c *Codec) decrypt(payload string, cipher *CipherContext) (string, error) {
	if cipher == nil {
		return "", core.NewDecryptError("encrypted frame", core.ErrMissingCipher)
	}

	raw, err := c.decodePayload(payload)
	if err != nil {
		return "", core.NewDecryptError("decode "+string(c.encoding)+" payload", err)
	}
	plain, err := cipher.Decrypt(raw)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", core.NewDecryptError("plaintext is not valid utf-8", nil)
	}
	return string(plain), nil
}

func (c *Codec) decodePayload(s string) ([]byte, error) {
	if c.encoding == core.EncodingHex {
		return hex.DecodeString(s)
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *Codec) encodePayload(b []byte) string {
	if c.encoding == core.EncodingHex {
		return hex.EncodeToString(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func split(schema *Schema, count int, payload string) ([]Record, error) {
	n := schema.Len()
	records := make([]Record, 0, count)

	if strings.Contains(payload, FrameDelimiter) {
		groups := strings.Split(payload, FrameDelimiter)
		if len(groups) != count {
			return nil, core.NewParseError(
				fmt.Sprintf("frame declares %d records, payload has %d groups", count, len(groups)), nil).
				WithTransaction(schema.TransactionID)
		}
		for _, g := range groups {
			r, err := NewRecord(schema, strings.Split(g, FieldDelimiter))
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
		return records, nil
	}

	fields := strings.Split(payload, FieldDelimiter)
	if len(fields) != count*n {
		return nil, core.NewParseError(
			fmt.Sprintf("frame declares %d records of %d fields, payload has %d fields", count, n, len(fields)), nil).
			WithTransaction(schema.TransactionID)
	}
	for i := 0; i < count; i++ {
		records = append(records, Record{schema: schema, values: fields[i*n : (i+1)*n : (i+1)*n]})
	}
	return records, nil
}

// Encode renders rows as a plaintext frame in flat form.
func (c *Codec) Encode(trID string, rows [][]string) (string, error) {
	payload, err := joinRows(trID, rows)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s|%03d|%s", flagPlaintext, trID, len(rows), payload), nil
}

// EncodeEncrypted renders rows as an encrypted frame.
func (c *Codec) EncodeEncrypted(trID string, rows [][]string, cipher *CipherContext) (string, error) {
	payload, err := joinRows(trID, rows)
	if err != nil {
		return "", err
	}
	enc, err := c.EncryptPayload(cipher, payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s|%03d|%s", flagEncrypted, trID, len(rows), enc), nil
}

// EncryptPayload encrypts plaintext and applies the payload encoding.
func (c *Codec) EncryptPayload(cipher *CipherContext, plaintext string) (string, error) {
	if cipher == nil {
		return "", core.NewDecryptError("encrypt payload", core.ErrMissingCipher)
	}
	raw, err := cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return c.encodePayload(raw), nil
}

func joinRows(trID string, rows [][]string) (string, error) {
	schema, ok := LookupSchema(trID)
	if !ok {
		return "", core.NewParseError("no schema", core.ErrUnknownTransaction).WithTransaction(trID)
	}
	if len(rows) == 0 {
		return "", core.NewValidationError("no rows to encode", nil).WithTransaction(trID)
	}

	fields := make([]string, 0, len(rows)*schema.Len())
	for _, row := range rows {
		if len(row) != schema.Len() {
			return "", core.NewValidationError(
				fmt.Sprintf("row has %d fields, schema has %d", len(row), schema.Len()), nil).
				WithTransaction(trID)
		}
		fields = append(fields, row...)
	}
	return strings.Join(fields, FieldDelimiter), nil
}
