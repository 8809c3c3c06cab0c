package validate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// checkType checks v against the declared field type. A safe coercion
// returns the coerced value and repaired=true; anything else is an error.
func checkType(spec ir.FieldSpec, v ir.Value) (out ir.Value, repaired bool, err error) {
	if _, ok := v.(ir.Null); ok {
		return v, false, nil
	}
	if ir.IsTombstone(v) {
		return v, false, nil
	}

	switch spec.Type {
	case ir.TypeString:
		return checkString(v)
	case ir.TypeNumber:
		out, repaired, err = checkNumber(v)
	case ir.TypeInteger:
		out, repaired, err = checkInteger(v)
	case ir.TypeBool:
		return checkBool(v)
	case ir.TypeEnum:
		return checkEnum(spec.Values, v)
	case ir.TypeTimestamp:
		return checkTimestamp(v)
	default:
		return v, false, fmt.Errorf("unknown field type %q", spec.Type)
	}
	if err != nil {
		return v, false, err
	}
	if err := checkRange(spec, out); err != nil {
		return v, false, err
	}
	return out, repaired, nil
}

func checkString(v ir.Value) (ir.Value, bool, error) {
	switch val := v.(type) {
	case ir.String:
		return v, false, nil
	case ir.Int:
		return ir.String(strconv.FormatInt(int64(val), 10)), true, nil
	case ir.Bool:
		return ir.String(strconv.FormatBool(bool(val))), true, nil
	default:
		return v, false, fmt.Errorf("expected string, got %s", v.Kind())
	}
}

func checkNumber(v ir.Value) (ir.Value, bool, error) {
	switch val := v.(type) {
	case ir.Int:
		return v, false, nil
	case ir.Float:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return v, false, fmt.Errorf("number is not finite")
		}
		return v, false, nil
	case ir.String:
		s := strings.TrimSpace(string(val))
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ir.Int(i), true, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return v, false, fmt.Errorf("expected number, got %s", ir.FormatValue(v))
		}
		return ir.Float(f), true, nil
	default:
		return v, false, fmt.Errorf("expected number, got %s", v.Kind())
	}
}

func checkInteger(v ir.Value) (ir.Value, bool, error) {
	switch val := v.(type) {
	case ir.Int:
		return v, false, nil
	case ir.Float:
		f := float64(val)
		if f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
			return v, false, fmt.Errorf("expected integer, got %s", ir.FormatValue(v))
		}
		return ir.Int(int64(f)), true, nil
	case ir.String:
		i, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
		if err != nil {
			return v, false, fmt.Errorf("expected integer, got %s", ir.FormatValue(v))
		}
		return ir.Int(i), true, nil
	default:
		return v, false, fmt.Errorf("expected integer, got %s", v.Kind())
	}
}

func checkRange(spec ir.FieldSpec, v ir.Value) error {
	var f float64
	switch val := v.(type) {
	case ir.Int:
		f = float64(val)
	case ir.Float:
		f = float64(val)
	default:
		return nil
	}
	if spec.Min != nil && f < *spec.Min {
		return fmt.Errorf("%s below minimum %s", ir.FormatValue(v), strconv.FormatFloat(*spec.Min, 'g', -1, 64))
	}
	if spec.Max != nil && f > *spec.Max {
		return fmt.Errorf("%s above maximum %s", ir.FormatValue(v), strconv.FormatFloat(*spec.Max, 'g', -1, 64))
	}
	return nil
}

func checkBool(v ir.Value) (ir.Value, bool, error) {
	switch val := v.(type) {
	case ir.Bool:
		return v, false, nil
	case ir.String:
		switch strings.ToLower(strings.TrimSpace(string(val))) {
		case "true":
			return ir.Bool(true), true, nil
		case "false":
			return ir.Bool(false), true, nil
		}
	}
	return v, false, fmt.Errorf("expected bool, got %s", ir.FormatValue(v))
}

func checkEnum(values []string, v ir.Value) (ir.Value, bool, error) {
	s, ok := v.(ir.String)
	if !ok {
		return v, false, fmt.Errorf("expected enum string, got %s", v.Kind())
	}
	for _, allowed := range values {
		if string(s) == allowed {
			return v, false, nil
		}
	}
	for _, allowed := range values {
		if strings.EqualFold(strings.TrimSpace(string(s)), allowed) {
			return ir.String(allowed), true, nil
		}
	}
	return v, false, fmt.Errorf("%s not one of [%s]", ir.FormatValue(v), strings.Join(values, ", "))
}

func checkTimestamp(v ir.Value) (ir.Value, bool, error) {
	switch val := v.(type) {
	case ir.String:
		if _, err := time.Parse(time.RFC3339Nano, string(val)); err != nil {
			return v, false, fmt.Errorf("expected RFC 3339 timestamp, got %s", ir.FormatValue(v))
		}
		return v, false, nil
	case ir.Int:
		// Unix seconds.
		return ir.String(time.Unix(int64(val), 0).UTC().Format(time.RFC3339)), true, nil
	default:
		return v, false, fmt.Errorf("expected timestamp, got %s", v.Kind())
	}
}
