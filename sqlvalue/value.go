// Package sqlvalue implements the typed SQL value union and the
// parameter binding / JSON coercion pipeline for the record API
// platform: a value is always one of {Null, Integer, Real, Text,
// Blob}, and every boundary that talks to SQLite or to a JSON request
// body goes through this package rather than passing `any` around.
package sqlvalue

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Kind tags which arm of the union a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is the tagged union backing every column value this platform
// reads from or writes to SQLite.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

func Null() Value                { return Value{kind: KindNull} }
func Integer(i int64) Value      { return Value{kind: KindInteger, i: i} }
func Real(f float64) Value       { return Value{kind: KindReal, f: f} }
func Text(s string) Value        { return Value{kind: KindText, s: s} }
func Blob(b []byte) Value        { return Value{kind: KindBlob, b: append([]byte(nil), b...)} }
func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) Int() int64        { return v.i }
func (v Value) Float() float64    { return v.f }
func (v Value) String() string    { return v.s }
func (v Value) Bytes() []byte     { return v.b }

// Value implements database/sql/driver.Valuer so a Value can be passed
// directly as a bind argument to database/sql.
func (v Value) Value() (driver.Value, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		return v.i, nil
	case KindReal:
		return v.f, nil
	case KindText:
		return v.s, nil
	case KindBlob:
		return v.b, nil
	default:
		return nil, fmt.Errorf("sqlvalue: unknown kind %d", v.kind)
	}
}

// FromDriver wraps a value read back from database/sql (after a Scan
// into `any`) as a Value.
func FromDriver(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(x), nil
	case float64:
		return Real(x), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(x), nil
	case bool:
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	default:
		return Value{}, fmt.Errorf("sqlvalue: cannot wrap driver value of type %T", v)
	}
}

// ColumnType names the declared SQLite column type, used to
// disambiguate Text vs Blob when decoding the "flat" JSON encoding.
type ColumnType int

const (
	ColumnUnknown ColumnType = iota
	ColumnInteger
	ColumnReal
	ColumnText
	ColumnBlob
)

// CoercionError is returned by From* when the input cannot be turned
// into a Value of the expected shape.
type CoercionError struct {
	Reason   string
	Expected ColumnType
}

func (e *CoercionError) Error() string {
	if e.Expected != ColumnUnknown {
		return fmt.Sprintf("sqlvalue: %s (expected column type compatible with a %s)", e.Reason, columnTypeName(e.Expected))
	}
	return fmt.Sprintf("sqlvalue: %s", e.Reason)
}

func columnTypeName(c ColumnType) string {
	switch c {
	case ColumnInteger:
		return "INTEGER"
	case ColumnReal:
		return "REAL"
	case ColumnText:
		return "TEXT"
	case ColumnBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// richBlob is the lossless JSON shape used by ToJSONRich/FromJSONRich:
// {"blob": "<base64url>"} for blobs, and the natural JSON scalar
// otherwise.
type richBlob struct {
	Blob string `json:"blob"`
}

// ToJSONRich encodes a Value losslessly: blobs become
// {"blob": base64url}, everything else maps to its natural JSON form.
func ToJSONRich(v Value) (json.RawMessage, error) {
	switch v.kind {
	case KindNull:
		return json.RawMessage("null"), nil
	case KindInteger:
		return json.Marshal(v.i)
	case KindReal:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, &CoercionError{Reason: "cannot encode non-finite float as JSON"}
		}
		return json.Marshal(v.f)
	case KindText:
		return json.Marshal(v.s)
	case KindBlob:
		return json.Marshal(richBlob{Blob: base64.RawURLEncoding.EncodeToString(v.b)})
	default:
		return nil, &CoercionError{Reason: "unknown value kind"}
	}
}

// FromJSONRich decodes the lossless encoding produced by ToJSONRich.
func FromJSONRich(raw json.RawMessage) (Value, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Null(), nil
	}

	// Try the {"blob": ...} shape first.
	var rb richBlob
	if err := json.Unmarshal(raw, &rb); err == nil && rb.Blob != "" {
		b, decErr := decodeBlobString(rb.Blob)
		if decErr != nil {
			return Value{}, &CoercionError{Reason: fmt.Sprintf("invalid base64url blob: %v", decErr)}
		}
		return Blob(b), nil
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Value{}, &CoercionError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	switch x := generic.(type) {
	case nil:
		return Null(), nil
	case bool:
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return Integer(int64(x)), nil
		}
		return Real(x), nil
	case string:
		return Text(x), nil
	default:
		return Value{}, &CoercionError{Reason: fmt.Sprintf("unexpected JSON shape %T for rich value", x)}
	}
}

// FromJSONFlat decodes a "flat" JSON value against a target column
// type: without a blob wrapper, the only way to recover a BLOB column
// is to consult the schema. Accepts base64url strings and, for 36-char
// strings, canonical UUID text as blob sources when the column is BLOB.
func FromJSONFlat(ct ColumnType, raw json.RawMessage) (Value, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Null(), nil
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Value{}, &CoercionError{Reason: fmt.Sprintf("invalid JSON: %v", err), Expected: ct}
	}

	switch x := generic.(type) {
	case nil:
		return Null(), nil
	case bool:
		if ct != ColumnUnknown && ct != ColumnInteger {
			return Value{}, &CoercionError{Reason: "boolean only coerces to INTEGER columns", Expected: ct}
		}
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	case float64:
		switch ct {
		case ColumnReal:
			return Real(x), nil
		case ColumnInteger, ColumnUnknown:
			if x != math.Trunc(x) {
				if ct == ColumnInteger {
					return Value{}, &CoercionError{Reason: "fractional number cannot bind to an INTEGER column", Expected: ct}
				}
				return Real(x), nil
			}
			return Integer(int64(x)), nil
		default:
			return Value{}, &CoercionError{Reason: "number cannot bind to this column type", Expected: ct}
		}
	case string:
		switch ct {
		case ColumnBlob:
			if len(x) == 36 {
				if id, err := uuid.Parse(x); err == nil {
					b, _ := id.MarshalBinary()
					return Blob(b), nil
				}
			}
			b, err := decodeBlobString(x)
			if err != nil {
				return Value{}, &CoercionError{Reason: fmt.Sprintf("expected base64url or UUID text for BLOB column: %v", err), Expected: ct}
			}
			return Blob(b), nil
		case ColumnText, ColumnUnknown:
			return Text(x), nil
		default:
			return Value{}, &CoercionError{Reason: "string cannot bind to this column type", Expected: ct}
		}
	default:
		return Value{}, &CoercionError{Reason: fmt.Sprintf("unexpected JSON shape %T for flat value", x), Expected: ct}
	}
}

func decodeBlobString(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// IsValidUUIDv7 reports whether b is a 16-byte blob whose version and
// variant nibbles mark it as UUIDv7 - used by the schema cache to
// decide whether a BLOB primary-key column is "record-eligible".
func IsValidUUIDv7(b []byte) bool {
	if len(b) != 16 {
		return false
	}
	version := b[6] >> 4
	variant := b[8] >> 6
	return version == 0x7 && variant == 0x2
}

// EncodeID renders a primary-key value the way the HTTP surface returns
// it: INTEGER PKs as decimal strings, BLOB (UUIDv7) PKs as url-safe
// unpadded base64.
func EncodeID(v Value) (string, error) {
	switch v.kind {
	case KindInteger:
		return fmt.Sprintf("%d", v.i), nil
	case KindBlob:
		return base64.RawURLEncoding.EncodeToString(v.b), nil
	default:
		return "", &CoercionError{Reason: fmt.Sprintf("cannot encode %s as a record id", v.kind)}
	}
}

// DecodeID parses a path-segment record id back into a Value suitable
// for binding against the primary key column: a decimal integer, a
// canonical UUID string, or url-safe base64 (padded or not).
func DecodeID(ct ColumnType, s string) (Value, error) {
	switch ct {
	case ColumnInteger:
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return Value{}, &CoercionError{Reason: "invalid integer record id", Expected: ct}
		}
		return Integer(n), nil
	case ColumnBlob:
		if len(s) == 36 {
			if id, err := uuid.Parse(s); err == nil {
				b, _ := id.MarshalBinary()
				return Blob(b), nil
			}
		}
		if b, err := decodeBlobString(s); err == nil && len(b) == 16 {
			return Blob(b), nil
		}
		return Value{}, &CoercionError{Reason: "invalid uuid/base64 record id", Expected: ct}
	default:
		return Value{}, &CoercionError{Reason: "record id decoding requires an INTEGER or BLOB primary key", Expected: ct}
	}
}
