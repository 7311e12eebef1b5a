package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"impactlab/rulecore/pkg/rules"
)

// Fingerprint derives the cache key of a (rule, context) pair from the rule
// name, its definition hash and the canonical encoding of the projection.
// Values outside the projection do not affect the key.
//
// Scalars are tagged with their type before canonicalization, so int 1 and
// double 1.0 get different keys and int64 values keep every digit.
func Fingerprint(ruleName, definitionHash string, projection map[string]any) (string, error) {
	tagged, err := typed(projection)
	if err != nil {
		return "", &rules.CacheError{Op: "fingerprint", Cause: err}
	}
	canon, err := rules.CanonicalJSON(tagged)
	if err != nil {
		return "", &rules.CacheError{Op: "fingerprint", Cause: err}
	}

	h := sha256.New()
	h.Write([]byte("rulecore/fingerprint/v2\x00"))
	h.Write([]byte(ruleName))
	h.Write([]byte{0})
	h.Write([]byte(definitionHash))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// typed rewrites v into a tree of maps, lists, bools, nulls and tagged
// strings. Tags follow the CEL type a value evaluates as: i int, u uint,
// d double, s string, b bytes, t timestamp. Integer widths collapse to one
// tag because CEL widens them all to int.
func typed(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return "s:" + t, nil
	case int:
		return intTag(int64(t)), nil
	case int8:
		return intTag(int64(t)), nil
	case int16:
		return intTag(int64(t)), nil
	case int32:
		return intTag(int64(t)), nil
	case int64:
		return intTag(t), nil
	case uint:
		return uintTag(uint64(t)), nil
	case uint8:
		return uintTag(uint64(t)), nil
	case uint16:
		return uintTag(uint64(t)), nil
	case uint32:
		return uintTag(uint64(t)), nil
	case uint64:
		return uintTag(t), nil
	case float32:
		return doubleTag(float64(t)), nil
	case float64:
		return doubleTag(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return intTag(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", t, err)
		}
		return doubleTag(f), nil
	case []byte:
		return "b:" + base64.StdEncoding.EncodeToString(t), nil
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			tv, err := typed(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = tv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			tv, err := typed(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = tv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			tv, err := typed(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = tv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k := iter.Key().String()
				tv, err := typed(iter.Value().Interface())
				if err != nil {
					return nil, fmt.Errorf("%s: %w", k, err)
				}
				out[k] = tv
			}
			return out, nil
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return typed(rv.Elem().Interface())
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return "j:" + string(raw), nil
}

func intTag(i int64) string {
	return "i:" + strconv.FormatInt(i, 10)
}

func uintTag(u uint64) string {
	return "u:" + strconv.FormatUint(u, 10)
}

func doubleTag(f float64) string {
	return "d:" + strconv.FormatFloat(f, 'g', -1, 64)
}
