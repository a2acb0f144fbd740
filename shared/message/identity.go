package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec sorts object keys at every level, which makes its output a canonical
// encoding for string-keyed maps. Numbers are kept as json.Number so that
// integers survive a decode/encode cycle byte for byte.
var codec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Identity derives the deduplication key of a message from its type and
// payload: hex(sha256(type + ":" + canonical_json(payload))).
// Two payloads holding the same keys and values yield the same identity
// regardless of insertion order.
func Identity(typ Type, payload map[string]any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return identityOf(typ, canonical), nil
}

// CanonicalJSON encodes the payload with sorted keys. A nil payload encodes
// as an empty object.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return data, nil
}

func identityOf(typ Type, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(typ))
	h.Write([]byte(":"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// normalize round-trips the payload through the canonical codec so the stored
// map only holds JSON-native values (map[string]any, []any, string, bool,
// json.Number, nil). The returned bytes are the canonical encoding.
func normalize(payload map[string]any) (map[string]any, []byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, nil, err
	}
	var out map[string]any
	if err := codec.Unmarshal(canonical, &out); err != nil {
		return nil, nil, fmt.Errorf("normalize payload: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, canonical, nil
}
