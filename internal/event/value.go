package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Parameters holds the key/value pairs attached to a record.
// Values are always one of string, bool, int64 or float64 after
// NormalizeParameters.
type Parameters map[string]any

// Clone returns a shallow copy; nil stays nil.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// SortedKeys returns keys in canonical order (UTF-16 code units).
func (p Parameters) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// Merge layers src over dst in order; later layers win on key collision.
// Layers are normalized first, so the result is always storable.
func Merge(layers ...map[string]any) (Parameters, error) {
	out := make(Parameters)
	for _, layer := range layers {
		norm, err := NormalizeParameters(layer)
		if err != nil {
			return nil, err
		}
		maps.Copy(out, norm)
	}
	return out, nil
}

// NormalizeParameters validates a caller-supplied map and converts every
// value to its canonical scalar type. Keys are trimmed and NFC normalized;
// two keys that normalize to the same name are rejected.
func NormalizeParameters(in map[string]any) (Parameters, error) {
	out := make(Parameters, len(in))
	origin := make(map[string]string, len(in))
	for _, k := range slices.Sorted(maps.Keys(in)) {
		v := in[k]
		key := NormalizeName(k)
		if key == "" {
			return nil, fmt.Errorf("parameter key %q is blank", k)
		}
		if prev, ok := origin[key]; ok {
			return nil, fmt.Errorf("parameter keys %q and %q both normalize to %q", prev, k, key)
		}
		origin[key] = k
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		out[key] = nv
	}
	return out, nil
}

// NormalizeValue converts v to string, bool, int64 or float64. Invalid
// UTF-8 in strings is replaced with U+FFFD.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed")
	case string:
		return norm.NFC.String(strings.ToValidUTF8(val, string(utf8.RuneError))), nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return uintToInt64(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintToInt64(val)
	case float32:
		return checkFloat(float64(val))
	case float64:
		return checkFloat(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val.String())
		}
		return checkFloat(f)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func uintToInt64(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return f, nil
}

// compareKeysUTF16 orders strings by UTF-16 code units, as RFC 8785 does.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
