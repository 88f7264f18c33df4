package state

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Values held by a run (variables and step output) are kept in the shape
// they have after a JSON round trip: nil, bool, string, int64, float64,
// []any and map[string]any. Integers and floats stay distinct on disk
// because floats are always written with a fraction or exponent.

// NormalizeMap returns a deep copy of m with every value normalized. A nil
// map stays nil.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue converts v to the value it would load as after being saved.
// Values of other types go through their JSON form.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return fromUint(x)
	case float32:
		return float64(x)
	case json.Number:
		return numberValue(x)
	case map[string]any:
		return NormalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = NormalizeValue(item)
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if err := decodeJSON(data, &decoded); err != nil {
		return v
	}
	return DecodeNumbers(decoded)
}

func fromUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// numberValue turns a JSON number into int64 when it is written as an
// integer that fits, float64 otherwise
func numberValue(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// EncodeNumbers returns a copy of v in which every float64 is replaced by a
// json.Number that keeps a fraction or exponent, so it decodes as a float.
func EncodeNumbers(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return x
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s)
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = EncodeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = EncodeNumbers(item)
		}
		return out
	}
	return v
}

// DecodeNumbers replaces the json.Number values left by a decoder with
// UseNumber set
func DecodeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		return numberValue(x)
	case map[string]any:
		if x == nil {
			return x
		}
		for k, item := range x {
			x[k] = DecodeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = DecodeNumbers(item)
		}
		return x
	}
	return v
}

func encodeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return EncodeNumbers(m).(map[string]any)
}

func decodeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DecodeNumbers(m).(map[string]any)
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
