package json

import jsoniter "github.com/json-iterator/go"

// RawMessage delays decoding of part of a document.
type RawMessage = jsoniter.RawMessage

var (
	// JSON is the jsoniter instance used throughout the gateway.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal.
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal.
	Unmarshal = JSON.Unmarshal
)
