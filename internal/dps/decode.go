package dps

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Kind classifies a decoded DPS value.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// PercentCandidate marks a byte position whose value sits in the 1-100 range.
type PercentCandidate struct {
	Position int `json:"position"`
	Value    int `json:"value"`
}

// Value is the result of decoding one raw DPS field.
//
// Decoding never fails: a string that is not valid base64 degrades to
// KindString with no candidates instead of returning an error.
type Value struct {
	Kind       Kind
	Int        int
	IsPercent  bool
	Bytes      []byte
	Hex        string
	Str        string
	Candidates []PercentCandidate
	Hash       string
}

// Decode turns a raw wire value (int or base64 text) into a Value.
// Unrecognized types are stringified and treated as opaque.
func Decode(raw any) Value {
	switch v := raw.(type) {
	case int:
		return decodeInt(v)
	case int64:
		return decodeInt(int(v))
	case float64:
		return decodeInt(int(v))
	case bool:
		n := 0
		if v {
			n = 1
		}
		return decodeInt(n)
	case string:
		return decodeString(v)
	case []byte:
		return decodeBytes(v)
	case nil:
		return Value{Kind: KindString, Hash: hashOf(nil)}
	default:
		return decodeString(fmt.Sprintf("%v", v))
	}
}

func decodeInt(n int) Value {
	return Value{
		Kind:      KindInt,
		Int:       n,
		IsPercent: n >= 0 && n <= 100,
		Hash:      hashOf([]byte(strconv.Itoa(n))),
	}
}

func decodeString(s string) Value {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(data) == 0 {
		return Value{Kind: KindString, Str: s, Hash: hashOf([]byte(s))}
	}
	val := decodeBytes(data)
	val.Str = s
	return val
}

func decodeBytes(data []byte) Value {
	var candidates []PercentCandidate
	for i, b := range data {
		if b >= 1 && b <= 100 {
			candidates = append(candidates, PercentCandidate{Position: i, Value: int(b)})
		}
	}
	return Value{
		Kind:       KindBytes,
		Bytes:      data,
		Hex:        hex.EncodeToString(data),
		Candidates: candidates,
		Hash:       hashOf(data),
	}
}

// Encode is the inverse of Decode for byte payloads.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
