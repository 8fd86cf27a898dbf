package bencode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encode serializes v (int64, string, []byte, []interface{}, *Dict, or
// map[string]interface{}) in canonical bencode form: dictionary keys are
// always sorted, regardless of the order they are supplied in.
func Encode(v interface{}) ([]byte, error) {
	var sb strings.Builder
	if err := encodeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func encodeValue(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case int:
		return encodeInt(sb, int64(t))
	case int64:
		return encodeInt(sb, t)
	case string:
		return encodeString(sb, t)
	case []byte:
		return encodeString(sb, string(t))
	case RawMessage:
		sb.Write(t)
		return nil
	case []interface{}:
		sb.WriteByte('l')
		for _, item := range t {
			if err := encodeValue(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte('e')
		return nil
	case *Dict:
		return encodeDict(sb, t)
	case map[string]interface{}:
		d := &Dict{}
		for k, val := range t {
			d.Set(k, val)
		}
		return encodeDict(sb, d)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
}

func encodeInt(sb *strings.Builder, n int64) error {
	sb.WriteByte('i')
	sb.WriteString(strconv.FormatInt(n, 10))
	sb.WriteByte('e')
	return nil
}

func encodeString(sb *strings.Builder, s string) error {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte(':')
	sb.WriteString(s)
	return nil
}

func encodeDict(sb *strings.Builder, d *Dict) error {
	keys := make([]string, len(d.Keys))
	copy(keys, d.Keys)
	sort.Strings(keys)
	sb.WriteByte('d')
	for _, k := range keys {
		val, _ := d.Get(k)
		if err := encodeString(sb, k); err != nil {
			return err
		}
		if err := encodeValue(sb, val); err != nil {
			return err
		}
	}
	sb.WriteByte('e')
	return nil
}
