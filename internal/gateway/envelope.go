package gateway

import (
	"errors"
	"strconv"

	"github.com/nmxmxh/script-gateway/pkg/json"
)

// ErrMalformedFrame is returned when an inbound text frame is not a valid
// envelope. The frame is dropped; the connection stays open.
var ErrMalformedFrame = errors.New("malformed frame")

// ResourceID accepts either a JSON string or a JSON integer on the wire and
// normalizes to its string form.
type ResourceID string

// UnmarshalJSON implements json.Unmarshaler.
func (r *ResourceID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return ErrMalformedFrame
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ResourceID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*r = ResourceID(strconv.FormatInt(n, 10))
	return nil
}

// AuthFrame carries the client's bearer token and target resource. It is
// distinguished from data frames structurally, by the presence of a token.
type AuthFrame struct {
	MessageID  int64      `json:"messageId"`
	Token      string     `json:"token"`
	ResourceID ResourceID `json:"scriptId"`
}

// DataFrame is an opaque payload exchanged once the connection is admitted.
type DataFrame struct {
	Raw []byte
}

// ErrorEnvelope is the outbound error reply, echoing the originating
// messageId.
type ErrorEnvelope struct {
	MessageID int64  `json:"messageId"`
	Error     string `json:"error"`
}

// DecodeFrame classifies an inbound text frame as Auth or Data. A frame with
// a non-empty token field is an auth frame; everything else that parses as a
// JSON object is treated as opaque data.
func DecodeFrame(b []byte) (interface{}, error) {
	var probe struct {
		MessageID  int64      `json:"messageId"`
		Token      string     `json:"token"`
		ResourceID ResourceID `json:"scriptId"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, ErrMalformedFrame
	}
	if probe.Token != "" {
		return AuthFrame{
			MessageID:  probe.MessageID,
			Token:      probe.Token,
			ResourceID: probe.ResourceID,
		}, nil
	}
	return DataFrame{Raw: b}, nil
}

// EncodeError builds the outbound error envelope for a messageId.
func EncodeError(messageID int64, msg string) []byte {
	b, err := json.Marshal(ErrorEnvelope{MessageID: messageID, Error: msg})
	if err != nil {
		return []byte(`{"messageId":0,"error":"internal_error"}`)
	}
	return b
}
