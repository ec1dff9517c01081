// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Type is the semantic type of a column. It decides how Go values are encoded
// for the driver and how scanned values are decoded.
type Type int

const (
	// Any passes values through untouched.
	Any Type = iota
	Integer
	Real
	Text
	Boolean
	Timestamp
	Date
	JSON
	UUID
	Decimal
	Blob
)

var typeNames = map[Type]string{
	Any:       "any",
	Integer:   "integer",
	Real:      "real",
	Text:      "text",
	Boolean:   "boolean",
	Timestamp: "timestamp",
	Date:      "date",
	JSON:      "json",
	UUID:      "uuid",
	Decimal:   "decimal",
	Blob:      "blob",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// ParseType returns the type with the given name.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, s := range typeNames {
		if s == name {
			return t, nil
		}
	}
	switch name {
	case "":
		return Any, nil
	case "int", "bigint":
		return Integer, nil
	case "float", "double":
		return Real, nil
	case "string", "varchar":
		return Text, nil
	case "bool":
		return Boolean, nil
	case "datetime":
		return Timestamp, nil
	case "numeric":
		return Decimal, nil
	}
	return Any, errors.Errorf("unknown column type %q", name)
}

const dateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	dateLayout,
}

// Encode converts a Go value into a value accepted by database/sql for a
// column of this type. Values implementing driver.Valuer are left to the
// driver.
func (t Type) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(driver.Valuer); ok {
		return v, nil
	}
	switch t {
	case Timestamp, Date:
		switch v := v.(type) {
		case time.Time:
			if t == Date {
				y, m, d := v.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
			}
			return v, nil
		case string:
			parsed, err := parseTime(v)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot encode %q as %s", v, t)
			}
			return t.Encode(parsed)
		}
		return nil, errors.Errorf("cannot encode %T as %s", v, t)
	case JSON:
		switch v := v.(type) {
		case json.RawMessage:
			return string(v), nil
		case []byte:
			if !json.Valid(v) {
				return nil, errors.Errorf("cannot encode []byte as %s: invalid JSON", t)
			}
			return string(v), nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode %T as %s", v, t)
		}
		return string(b), nil
	case UUID:
		switch v := v.(type) {
		case uuid.UUID:
			return v.String(), nil
		case [16]byte:
			return uuid.UUID(v).String(), nil
		case string:
			u, err := uuid.Parse(v)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot encode %q as %s", v, t)
			}
			return u.String(), nil
		}
		return nil, errors.Errorf("cannot encode %T as %s", v, t)
	case Decimal:
		switch v := v.(type) {
		case decimal.Decimal:
			return v.String(), nil
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot encode %q as %s", v, t)
			}
			return d.String(), nil
		case float64:
			return decimal.NewFromFloat(v).String(), nil
		case float32:
			return decimal.NewFromFloat32(v).String(), nil
		case int:
			return decimal.NewFromInt(int64(v)).String(), nil
		case int64:
			return decimal.NewFromInt(v).String(), nil
		}
		return nil, errors.Errorf("cannot encode %T as %s", v, t)
	case Boolean:
		switch v := v.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, errors.Wrapf(err, "cannot encode %q as %s", v, t)
			}
			return b, nil
		}
		return v, nil
	}
	return v, nil
}

// Decode converts a value scanned from the database into the Go
// representation of this type. NULL decodes as nil.
func (t Type) Decode(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	switch t {
	case Integer:
		switch v := src.(type) {
		case int64:
			return v, nil
		case []byte:
			return parseInt(t, string(v))
		case string:
			return parseInt(t, v)
		}
	case Real:
		switch v := src.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case []byte:
			return parseFloat(t, string(v))
		case string:
			return parseFloat(t, v)
		}
	case Text:
		switch v := src.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case Boolean:
		switch v := src.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case []byte:
			return parseBool(t, string(v))
		case string:
			return parseBool(t, v)
		}
	case Timestamp, Date:
		switch v := src.(type) {
		case time.Time:
			return v, nil
		case []byte:
			return t.decodeTime(string(v))
		case string:
			return t.decodeTime(v)
		}
	case JSON:
		var raw []byte
		switch v := src.(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			return nil, errors.Errorf("cannot decode %T as %s", src, t)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, errors.Wrapf(err, "cannot decode %s", t)
		}
		return out, nil
	case UUID:
		switch v := src.(type) {
		case []byte:
			if len(v) == 16 {
				return uuid.FromBytes(v)
			}
			u, err := uuid.ParseBytes(v)
			return u, errors.Wrapf(err, "cannot decode %s", t)
		case string:
			u, err := uuid.Parse(v)
			return u, errors.Wrapf(err, "cannot decode %s", t)
		}
	case Decimal:
		switch v := src.(type) {
		case []byte:
			return parseDecimal(t, string(v))
		case string:
			return parseDecimal(t, v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
	case Blob:
		switch v := src.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case Any:
		return src, nil
	}
	return nil, errors.Errorf("cannot decode %T as %s", src, t)
}

func (t Type) decodeTime(s string) (any, error) {
	tm, err := parseTime(s)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", t)
	}
	return tm, nil
}

func parseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		tm, err := time.Parse(layout, s)
		if err == nil {
			return tm, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func parseInt(t Type, s string) (any, error) {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", t)
	}
	return i, nil
}

func parseFloat(t Type, s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", t)
	}
	return f, nil
}

func parseBool(t Type, s string) (any, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", t)
	}
	return b, nil
}

func parseDecimal(t Type, s string) (any, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", t)
	}
	return d, nil
}
