package api

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexInt decodes a JSON number or a numeric string. Any other string
// decodes as zero; the cloud sometimes sends placeholders instead of ids.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexInt(i)
		return nil
	}
	fl, err := n.Float64()
	if err != nil {
		return err
	}
	*f = FlexInt(int64(fl))
	return nil
}

// Int64 returns the value as int64.
func (f FlexInt) Int64() int64 { return int64(f) }

// IsEmptyJSON reports whether raw carries no usable payload: nothing at all,
// null, or an empty object.
func IsEmptyJSON(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		return len(m) == 0
	}
	return false
}
