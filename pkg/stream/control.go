package stream

import "strings"

// Control message values.
const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
	pingPongID        = "PINGPONG"
	contentTypeUTF8   = "utf-8"
)

type controlRequest struct {
	Header controlRequestHeader `json:"header"`
	Body   controlRequestBody   `json:"body"`
}

type controlRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type controlRequestBody struct {
	Input controlInput `json:"input"`
}

type controlInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func newControlRequest(approvalKey, custType, trType, trID, trKey string) *controlRequest {
	return &controlRequest{
		Header: controlRequestHeader{
			ApprovalKey: approvalKey,
			CustType:    custType,
			TrType:      trType,
			ContentType: contentTypeUTF8,
		},
		Body: controlRequestBody{Input: controlInput{TrID: trID, TrKey: trKey}},
	}
}

// controlMessage is a JSON message from the server: a subscribe or
// unsubscribe acknowledgement, or a PINGPONG keepalive.
type controlMessage struct {
	Header controlMessageHeader `json:"header"`
	Body   controlMessageBody   `json:"body"`
}

type controlMessageHeader struct {
	TrID     string `json:"tr_id"`
	TrKey    string `json:"tr_key"`
	Encrypt  string `json:"encrypt"`
	Datetime string `json:"datetime,omitempty"`
}

type controlMessageBody struct {
	ResultCode  string        `json:"rt_cd"`
	MessageCode string        `json:"msg_cd"`
	Message     string        `json:"msg1"`
	Output      controlOutput `json:"output"`
}

type controlOutput struct {
	IV  string `json:"iv"`
	Key string `json:"key"`
}

func (m *controlMessage) isPingPong() bool {
	return m.Header.TrID == pingPongID
}

func (m *controlMessage) success() bool {
	return m.Body.ResultCode == "0"
}

func (m *controlMessage) hasCipher() bool {
	return m.Body.Output.Key != "" && m.Body.Output.IV != ""
}

// approvalRejected reports whether the server refused the approval key.
func (m *controlMessage) approvalRejected() bool {
	return !m.success() && strings.Contains(strings.ToLower(m.Body.Message), "approval")
}

func pendingKey(trID, trKey string) string {
	return trID + "\x00" + trKey
}

// isDataFrame reports whether a raw message is a data line rather than JSON.
func isDataFrame(data []byte) bool {
	return len(data) > 0 && (data[0] == '0' || data[0] == '1')
}
