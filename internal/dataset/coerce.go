package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/websets/internal/model"
)

const dateLayout = "2006-01-02"

// Coerce converts v to the canonical representation of the column's type.
// A nil value is allowed only on optional columns.
func Coerce(col model.Column, v any) (any, error) {
	if v == nil {
		if col.Required {
			return nil, model.Invalid("value", "column %q is required", col.Name)
		}
		return nil, nil
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
		if v == "" && col.Type != model.ColumnText {
			if col.Required {
				return nil, model.Invalid("value", "column %q is required", col.Name)
			}
			return nil, nil
		}
	}

	var (
		out any
		err error
	)
	switch col.Type {
	case model.ColumnText:
		out, err = coerceText(v)
	case model.ColumnNumber:
		out, err = coerceNumber(v)
	case model.ColumnURL:
		out, err = coerceURL(v)
	case model.ColumnEmail:
		out, err = coerceEmail(v)
	case model.ColumnDate:
		out, err = coerceDate(v)
	case model.ColumnBoolean:
		out, err = coerceBool(v)
	default:
		return nil, model.Invalid("type", "unknown column type %q", col.Type)
	}
	if err != nil {
		return nil, model.Invalid("value", "column %q: %v", col.Name, err)
	}
	return out, nil
}

func coerceText(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case bool, float64, float32, int, int32, int64, json.Number:
		return fmt.Sprint(t), nil
	}
	return nil, fmt.Errorf("cannot use %T as text", v)
}

func coerceNumber(v any) (any, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", t)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(t, ",", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", t)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("cannot use %T as number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number must be finite")
	}
	return f, nil
}

func coerceURL(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot use %T as url", v)
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http(s) url", s)
	}
	return u.String(), nil
}

func coerceEmail(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot use %T as email", v)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("%q is not an email address", s)
	}
	return addr.Address, nil
}

func coerceDate(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(dateLayout), nil
	case string:
		if d, err := time.Parse(dateLayout, t); err == nil {
			return d.Format(dateLayout), nil
		}
		if d, err := time.Parse(time.RFC3339, t); err == nil {
			return d.UTC().Format(dateLayout), nil
		}
		return nil, fmt.Errorf("%q is not a date", t)
	}
	return nil, fmt.Errorf("cannot use %T as date", v)
}

func coerceBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		b, err := strconv.ParseBool(t)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", t)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot use %T as boolean", v)
}
