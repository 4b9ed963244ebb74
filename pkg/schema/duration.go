package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDuration converts a delay or timeout value into a time.Duration.
// Accepted forms: a Go duration string ("1m30s"), "HH:MM" or "HH:MM:SS[.fff]",
// a number of seconds (number or numeric string), or a map with any of
// days, hours, minutes, seconds, milliseconds.
func ParseDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch val := v.(type) {
	case nil:
		return 0, NewError(ErrCodeValidation, "duration is empty")
	case time.Duration:
		d = val
	case int:
		d = seconds(float64(val))
	case int64:
		d = seconds(float64(val))
	case uint64:
		d = seconds(float64(val))
	case float64:
		d = seconds(val)
	case string:
		parsed, err := parseDurationString(strings.TrimSpace(val))
		if err != nil {
			return 0, err
		}
		d = parsed
	case map[string]any:
		parsed, err := parseDurationMap(val)
		if err != nil {
			return 0, err
		}
		d = parsed
	default:
		return 0, NewErrorf(ErrCodeValidation, "unsupported duration type %T", v)
	}
	if d < 0 {
		return 0, NewErrorf(ErrCodeValidation, "negative duration %s", d)
	}
	return d, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}

func parseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, NewError(ErrCodeValidation, "duration is empty")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(f), nil
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, NewErrorf(ErrCodeValidation, "invalid time period %q", s)
		}
		var total float64
		units := []float64{3600, 60, 1}
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, NewErrorf(ErrCodeValidation, "invalid time period %q", s).WithCause(err)
			}
			total += f * units[i]
		}
		return seconds(total), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid duration %q", s).WithCause(err)
	}
	return d, nil
}

var durationUnits = map[string]float64{
	"days":         86400,
	"hours":        3600,
	"minutes":      60,
	"seconds":      1,
	"milliseconds": 0.001,
}

func parseDurationMap(m map[string]any) (time.Duration, error) {
	if len(m) == 0 {
		return 0, NewError(ErrCodeValidation, "duration map is empty")
	}
	var total float64
	for k, raw := range m {
		unit, ok := durationUnits[k]
		if !ok {
			return 0, NewErrorf(ErrCodeValidation, "unknown duration unit %q", k)
		}
		f, err := ToFloat(raw)
		if err != nil {
			return 0, NewErrorf(ErrCodeValidation, "duration %s: %v", k, err)
		}
		total += f * unit
	}
	return seconds(total), nil
}

// ToFloat converts numeric values (including numeric strings) to float64.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// ToInt converts a whole-number value to int.
func ToInt(v any) (int, error) {
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return int(f), nil
}
