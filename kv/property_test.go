package kv

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genAttrType() *rapid.Generator[AttributeType] {
	return rapid.SampledFrom([]AttributeType{Short, Int, Varchar})
}

func genSchemaTypes() *rapid.Generator[[]AttributeType] {
	return rapid.SliceOfN(genAttrType(), 1, 5)
}

func genAttrValue(t *rapid.T, at AttributeType) Attribute {
	switch at {
	case Short:
		return ShortAttr(rapid.Int32().Draw(t, "short"))
	case Int:
		return IntAttr(rapid.Int64().Draw(t, "int"))
	default:
		// Printable ASCII, no embedded NUL: a varchar attribute is
		// NUL-terminated, so an embedded 0x00 byte is not a well-typed
		// value under this codec (it would make decode stop short of
		// what was actually stored).
		s := rapid.StringMatching(`[ -~]{0,64}`).Draw(t, "varchar")
		return VarcharAttr(s)
	}
}

func genKey(t *rapid.T, types []AttributeType) Key {
	k := make(Key, len(types))
	for i, at := range types {
		k[i] = genAttrValue(t, at)
	}
	return k
}

// TestPropertyRoundTrip is invariant 1: decode(encode(K, S), S) == K for
// every well-typed key K under schema S.
func TestPropertyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		types := genSchemaTypes().Draw(t, "types")
		schema, err := NewSchema("rt", types)
		if err != nil {
			t.Fatal(err)
		}
		codec := NewCodec(16)
		key := genKey(t, types)

		encoded, err := codec.Encode(schema, key)
		if err != nil {
			t.Fatal(err)
		}
		decoded := codec.Decode(schema, encoded)

		if len(decoded) != len(key) {
			t.Fatalf("length mismatch: %d vs %d", len(decoded), len(key))
		}
		for i := range key {
			if compareAttr(key[i], decoded[i]) != 0 {
				t.Fatalf("attr %d mismatch: %+v vs %+v", i, key[i], decoded[i])
			}
		}
	})
}

// TestPropertyOrderPreservation is invariant 2: lexicographic order on
// decoded keys matches memcmp order on their encodings.
func TestPropertyOrderPreservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		types := genSchemaTypes().Draw(t, "types")
		schema, err := NewSchema("order", types)
		if err != nil {
			t.Fatal(err)
		}
		codec := NewCodec(16)
		k1 := genKey(t, types)
		k2 := genKey(t, types)

		e1, err := codec.Encode(schema, k1)
		if err != nil {
			t.Fatal(err)
		}
		e2, err := codec.Encode(schema, k2)
		if err != nil {
			t.Fatal(err)
		}

		lexCmp := 0
		for i := range k1 {
			if c := compareAttr(k1[i], k2[i]); c != 0 {
				lexCmp = c
				break
			}
		}
		byteCmp := bytes.Compare(e1, e2)
		if sign(lexCmp) != sign(byteCmp) {
			t.Fatalf("order mismatch: lex=%d byte=%d k1=%+v k2=%+v", lexCmp, byteCmp, k1, k2)
		}
	})
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// TestPropertyRangeCompleteness is invariant 4: a GetRecords range
// query returns every stored record within the rectangular bound, and
// only those, with no duplicates beyond those actually stored.
func TestPropertyRangeCompleteness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := New()
		require.NoError(t, e.CreateIndex("range", []AttributeType{Short, Short}))
		h, err := e.OpenIndex("range")
		if err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(0, 30).Draw(t, "n")
		var stored []Record
		for i := 0; i < n; i++ {
			k := Key{ShortAttr(rapid.Int32Range(-20, 20).Draw(t, "a")), ShortAttr(rapid.Int32Range(-20, 20).Draw(t, "b"))}
			p := Payload(rapid.StringN(0, 8, -1).Draw(t, "p"))
			if err := e.InsertRecord(nil, h, Record{Key: k, Payload: p}); err != nil {
				t.Fatal(err)
			}
			stored = append(stored, Record{Key: k, Payload: p})
		}

		loA, hiA := rapid.Int32Range(-20, 20).Draw(t, "loA"), rapid.Int32Range(-20, 20).Draw(t, "hiA")
		if loA > hiA {
			loA, hiA = hiA, loA
		}
		lo := Key{ShortAttr(loA), Wildcard(Short)}
		hi := Key{ShortAttr(hiA), Wildcard(Short)}

		var expect []Record
		for _, r := range stored {
			a := r.Key[0].ShortValue
			if a >= loA && a <= hiA {
				expect = append(expect, r)
			}
		}

		it, err := e.GetRecords(nil, h, lo, hi)
		if err != nil {
			t.Fatal(err)
		}
		var got []Record
		for {
			r, err := it.Next()
			if err != nil {
				break
			}
			got = append(got, r)
		}
		it.Close()

		if len(got) != len(expect) {
			t.Fatalf("range completeness: got %d records, expected %d", len(got), len(expect))
		}
		sig := func(rs []Record) []string {
			out := make([]string, 0, len(rs))
			for _, r := range rs {
				out = append(out, fmt.Sprintf("%d,%d:%q", r.Key[0].ShortValue, r.Key[1].ShortValue, string(r.Payload)))
			}
			sort.Strings(out)
			return out
		}
		require.Equal(t, sig(expect), sig(got))
	})
}

// TestPropertyDuplicateRetention is invariant 8: n identical inserts
// produce n iterator yields on a matching query.
func TestPropertyDuplicateRetention(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := New()
		require.NoError(t, e.CreateIndex("dup", []AttributeType{Short}))
		h, err := e.OpenIndex("dup")
		if err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(1, 10).Draw(t, "n")
		key := Key{ShortAttr(7)}
		payload := Payload("same")
		for i := 0; i < n; i++ {
			if err := e.InsertRecord(nil, h, Record{Key: key.Clone(), Payload: payload.Clone()}); err != nil {
				t.Fatal(err)
			}
		}

		it, err := e.GetRecords(nil, h, key, key)
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for {
			_, err := it.Next()
			if err != nil {
				break
			}
			count++
		}
		it.Close()

		if count != n {
			t.Fatalf("duplicate retention: got %d yields, expected %d", count, n)
		}
	})
}
