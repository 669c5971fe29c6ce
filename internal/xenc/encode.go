package xenc

import (
	"sort"
	"strconv"
)

// Encode serializes v to its canonical wire form. The result always
// round-trips through Decode to an equal Value.
func Encode(v Value) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = append(buf, strconv.FormatInt(v.Int, 10)...)
		buf = append(buf, 'e')
		return buf

	case KindTime:
		buf = append(buf, 't')
		buf = append(buf, strconv.FormatInt(v.Time, 10)...)
		buf = append(buf, 'e')
		return buf

	case KindOctets:
		buf = append(buf, strconv.Itoa(len(v.Octets))...)
		buf = append(buf, ':')
		buf = append(buf, v.Octets...)
		return buf

	case KindList:
		buf = append(buf, 'l')
		for _, child := range v.List {
			buf = appendValue(buf, child)
		}
		buf = append(buf, 'e')
		return buf

	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = append(buf, strconv.Itoa(len(k))...)
			buf = append(buf, ':')
			buf = append(buf, k...)
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
		return buf

	default:
		panic("xenc: encode of zero-value Value with unknown Kind")
	}
}
