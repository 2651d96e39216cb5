package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// coerce converts a request value to the Go type of the slot type: string, int64,
// float64 or bool.
func coerce(t SlotType, v interface{}) (interface{}, error) {
	switch t {
	case SlotString:
		return toString(v)
	case SlotImage:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a URL string, got %T", v)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("empty image reference")
		}
		return s, nil
	case SlotInt:
		return toInt(v)
	case SlotFloat:
		return toFloat(v)
	case SlotBool:
		return toBool(v)
	}
	return nil, fmt.Errorf("unknown slot type %q", t)
}

func toString(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	}
	if f, ok := number(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return nil, fmt.Errorf("expected a string, got %T", v)
}

const maxExactFloatInt = 1 << 53

func toInt(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", t)
		}
		return i, nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %s", t)
		}
		return i, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	}
	f, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("expected an integer, got %T", v)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("expected an integer, got %v", f)
	}
	// floats stop representing every integer past 2^53
	if math.Abs(f) > maxExactFloatInt {
		return nil, fmt.Errorf("%v is out of range, integers must be within ±%d", f, int64(maxExactFloatInt))
	}
	return int64(f), nil
}

func toFloat(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", t)
		}
		return f, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %s", t)
		}
		return f, nil
	}
	f, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
	return f, nil
}

func toBool(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("expected a boolean, got %q", t)
		}
		return b, nil
	}
	if f, ok := number(v); ok && (f == 0 || f == 1) {
		return f == 1, nil
	}
	return nil, fmt.Errorf("expected a boolean, got %v", v)
}

// number reports the float value of any Go numeric kind.
func number(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// canonical is the string form used by Target.As and Target.Values.
func canonical(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
