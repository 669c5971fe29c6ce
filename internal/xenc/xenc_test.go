package xenc

import (
	"bytes"
	"testing"
)

func decodeStr(t *testing.T, s string) Value {
	v, err := Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode(%q) returned error: %v", s, err)
	}
	return v
}

func TestDecodeIntegers(t *testing.T) {
	cases := map[string]int64{
		"i0e": 0, "i6e": 6, "i10e": 10, "i37e": 37, "i-6e": -6, "i-37e": -37,
	}
	for s, want := range cases {
		v := decodeStr(t, s)
		got, ok := v.AsInt64()
		if !ok || got != want {
			t.Errorf("Decode(%q) = %v, want %d", s, v, want)
		}
	}
}

func TestDecodeIntegerErrors(t *testing.T) {
	for _, s := range []string{"i?e", "i00e", "i-0e", "i01e", "ie"} {
		if _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%q) should have failed", s)
		}
	}
}

func TestDecodeTime(t *testing.T) {
	v := decodeStr(t, "t12345e")
	ms, ok := v.AsTimeMs()
	if !ok || ms != 12345 {
		t.Fatalf("got %v, want 12345", v)
	}
}

func TestDecodeOctets(t *testing.T) {
	v := decodeStr(t, "3:123")
	got, ok := v.AsBytes()
	if !ok || string(got) != "123" {
		t.Fatalf("got %v", v)
	}

	if _, err := Decode([]byte("3:123junk")); err == nil {
		t.Fatal("trailing bytes should be rejected")
	}
	if _, err := Decode([]byte("3:12")); err == nil {
		t.Fatal("short octet string should be rejected")
	}
}

func TestDecodeList(t *testing.T) {
	v := decodeStr(t, "li3e3:123i-10ee")
	list, ok := v.AsList()
	if !ok || len(list) != 3 {
		t.Fatalf("got %v", v)
	}
	if n, _ := list[0].AsInt64(); n != 3 {
		t.Errorf("list[0] = %v", list[0])
	}
	if s, _ := list[1].AsBytes(); string(s) != "123" {
		t.Errorf("list[1] = %v", list[1])
	}
	if n, _ := list[2].AsInt64(); n != -10 {
		t.Errorf("list[2] = %v", list[2])
	}

	if _, err := Decode([]byte("li3e")); err == nil {
		t.Fatal("unterminated list should be rejected")
	}
}

func TestDecodeNestedList(t *testing.T) {
	v := decodeStr(t, "li3elli4eei5ei6eei7ee")
	list, _ := v.AsList()
	if len(list) != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestDecodeDict(t *testing.T) {
	v := decodeStr(t, "d3:abci3e3:def3:123e")
	d, ok := v.AsDict()
	if !ok {
		t.Fatalf("got %v", v)
	}
	if n, _ := d["abc"].AsInt64(); n != 3 {
		t.Errorf("abc = %v", d["abc"])
	}
	if s, _ := d["def"].AsBytes(); string(s) != "123" {
		t.Errorf("def = %v", d["def"])
	}
}

func TestDecodeDictErrors(t *testing.T) {
	for _, s := range []string{
		"d3:abce",               // missing value
		"d3:abci0e",             // unterminated
		"di0ei0ee",              // non-string key
		"d3:defi6e3:abci3ee",    // keys not ascending (def before abc)
		"d3:abci3e3:abci4ee",    // duplicate key
	} {
		if _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%q) should have failed", s)
		}
	}
}

func TestDecodeWhitespaceRejected(t *testing.T) {
	for _, s := range []string{"i1e ", " i1e", "l i1e e", "d 3:abci1ee"} {
		if _, err := Decode([]byte(s)); err == nil {
			t.Errorf("Decode(%q) with whitespace should have failed", s)
		}
	}
}

func TestEncodeCanonical(t *testing.T) {
	v := DictOf(map[string]Value{
		"b": Int64(2),
		"a": Int64(1),
		"c": Bytes([]byte("x")),
	})
	got := Encode(v)
	want := []byte("d1:ai1e1:bi2e1:c1:xe")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func roundTrip(t *testing.T, s string) {
	v1, err := Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode(%q) failed: %v", s, err)
	}
	s2 := Encode(v1)
	v2, err := Decode(s2)
	if err != nil {
		t.Fatalf("re-decode of %q failed: %v", s2, err)
	}
	if !valuesEqual(v1, v2) {
		t.Fatalf("round trip mismatch: %v != %v", v1, v2)
	}
	if string(s2) != s {
		t.Fatalf("re-encode of canonical %q produced %q", s, s2)
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInt:
		return a.Int == b.Int
	case KindTime:
		return a.Time == b.Time
	case KindOctets:
		return bytes.Equal(a.Octets, b.Octets)
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.Dict) != len(b.Dict) {
			return false
		}
		for k, av := range a.Dict {
			bv, ok := b.Dict[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func TestRoundTripCanonicalForms(t *testing.T) {
	for _, s := range []string{
		"i6e", "t5e", "3:abc", "le", "li6e3:abce", "li6el3:abcee",
		"de", "d3:abc3:defe", "d3:abcd3:defi6eee",
	} {
		roundTrip(t, s)
	}
}
