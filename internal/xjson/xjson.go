package xjson

import (
	stdjson "encoding/json"
	"io"

	gjson "github.com/goccy/go-json"
)

// Marshal/Unmarshal wrappers so the HTTP and websocket payload code has a
// single import site for the codec.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

func NewDecoder(r io.Reader) *gjson.Decoder {
	return gjson.NewDecoder(r)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
