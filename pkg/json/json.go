package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage defers decoding of a JSON fragment; jsoniter's compatible config
// honors the standard library type.
type RawMessage = stdjson.RawMessage

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder

	// Valid is a shorthand for JSON.Valid
	Valid = JSON.Valid
)
