// Package canonical produces the deterministic byte form of records used for hashing and signing.
// The encoding is RFC 8785 JSON: keys sorted, no whitespace, numbers in shortest round-trip form.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
)

// Encode returns the canonical encoding of v. Raw JSON ([]byte, json.RawMessage) is canonicalized as is.
func Encode(v any) ([]byte, error) {
	data, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing json")
	}
	return out, nil
}

// EncodeWithout returns the canonical encoding of the JSON object v with the given top level fields removed.
func EncodeWithout(v any, fields ...string) ([]byte, error) {
	data, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, errors.Wrap(err, "decoding json object")
	}
	if object == nil {
		return nil, errors.New("not a json object")
	}
	for _, field := range fields {
		delete(object, field)
	}
	return Encode(object)
}

// Hash is the Keccak-256 digest of the canonical encoding of v.
func Hash(v any) ([]byte, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

// HashHex is Hash as 0x prefixed lower case hex.
func HashHex(v any) (string, error) {
	digest, err := Hash(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(digest), nil
}

func toJSON(v any) ([]byte, error) {
	switch value := v.(type) {
	case json.RawMessage:
		return value, nil
	case []byte:
		return value, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling to json")
	}
	return data, nil
}
