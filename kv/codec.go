package kv

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Codec serializes Keys under a Schema into byte sequences ordered so
// that memcmp on the encoding yields the same total order as
// lexicographic comparison on the decoded Key, and decodes back.
//
// Codec caches the byte skeleton of recently requested partial-match
// bound shapes (which attribute positions are wildcarded, and whether
// the bound is a lower or upper one) so that repeated GetRecords calls
// against the same index with the same wildcard pattern do not
// recompute the sign-flip/padding fill for every wildcard position on
// every call.
type Codec struct {
	cache *lru.Cache[boundCacheKey, []byte]
}

type boundCacheKey struct {
	schema   *Schema
	presence string // one byte per attribute: 1 == present, 0 == wildcard
	upper    bool
}

// NewCodec builds a Codec with a bound-template cache sized for
// templateCacheSize distinct (schema, wildcard-pattern, side) shapes.
func NewCodec(templateCacheSize int) *Codec {
	if templateCacheSize <= 0 {
		templateCacheSize = 256
	}
	c, err := lru.New[boundCacheKey, []byte](templateCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which we just
		// guarded against.
		panic(err)
	}
	return &Codec{cache: c}
}

// Encode encodes key, which must have every attribute Present, as an
// exact record key under schema.
func (c *Codec) Encode(schema *Schema, key Key) ([]byte, error) {
	if !schema.Compatible(key) {
		return nil, newErr(IncompatibleKey, nil)
	}
	buf := make([]byte, schema.KeySize)
	off := 0
	for i, a := range key {
		if !a.Present {
			return nil, wrapf(IncompatibleKey, nil, "attribute %d must be present for an exact key", i)
		}
		n, err := encodeAttribute(buf[off:], a)
		if err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}

// EncodeBound encodes key as a range bound under schema: present
// attributes are encoded exactly, wildcard attributes are encoded as
// their type's minimum (upper == false) or maximum (upper == true).
func (c *Codec) EncodeBound(schema *Schema, key Key, upper bool) ([]byte, error) {
	if !schema.Compatible(key) {
		return nil, newErr(IncompatibleKey, nil)
	}
	presence := make([]byte, len(key))
	for i, a := range key {
		if a.Present {
			presence[i] = 1
		}
	}
	ck := boundCacheKey{schema: schema, presence: string(presence), upper: upper}

	var template []byte
	if cached, ok := c.cache.Get(ck); ok {
		template = append([]byte(nil), cached...)
	} else {
		built, err := buildBoundTemplate(schema, upper)
		if err != nil {
			return nil, err
		}
		c.cache.Add(ck, built)
		template = append([]byte(nil), built...)
	}

	off := 0
	for i, a := range key {
		sz := schema.Types[i].encodedSize()
		if a.Present {
			if _, err := encodeAttribute(template[off:off+sz], a); err != nil {
				return nil, err
			}
		}
		off += sz
	}
	return template, nil
}

// buildBoundTemplate returns the fully-wildcarded skeleton (every
// position at its type's min or max) for schema; present positions are
// overwritten by the caller.
func buildBoundTemplate(schema *Schema, upper bool) ([]byte, error) {
	buf := make([]byte, schema.KeySize)
	off := 0
	for _, t := range schema.Types {
		sz := t.encodedSize()
		fillWildcard(buf[off:off+sz], t, upper)
		off += sz
	}
	return buf, nil
}

func fillWildcard(dst []byte, t AttributeType, upper bool) {
	switch t {
	case Short, Int:
		if upper {
			for i := range dst {
				dst[i] = 0xFF
			}
		}
		// lower bound for numerics is all-zero, which dst already is.
	case Varchar:
		if upper {
			for i := 0; i < len(dst)-1; i++ {
				dst[i] = 0x7F
			}
			dst[len(dst)-1] = 0x00
		}
		// lower bound for varchar is all-zero, which dst already is.
	}
}

// encodeAttribute writes a's encoded form into dst (which must be
// exactly a.Type.encodedSize() bytes) and returns the number of bytes
// written.
func encodeAttribute(dst []byte, a Attribute) (int, error) {
	switch a.Type {
	case Short:
		binary.BigEndian.PutUint32(dst, uint32(a.ShortValue)^0x80000000)
		return 4, nil
	case Int:
		binary.BigEndian.PutUint64(dst, uint64(a.IntValue)^0x8000000000000000)
		return 8, nil
	case Varchar:
		if len(a.StrValue) > MaxVarcharLength {
			return 0, wrapf(IncompatibleKey, nil, "varchar value exceeds %d bytes", MaxVarcharLength)
		}
		n := copy(dst, a.StrValue)
		for i := n; i < len(dst); i++ {
			dst[i] = 0x00
		}
		return len(dst), nil
	default:
		return 0, wrapf(GenericFailure, nil, "unknown attribute type %d", a.Type)
	}
}

// Decode reverses Encode, reproducing the original Key from its encoded
// form under schema. decode is total over well-formed inputs of the
// right length; it is only ever applied to bytes this Codec produced,
// so it returns no error.
func (c *Codec) Decode(schema *Schema, encoded []byte) Key {
	key := make(Key, len(schema.Types))
	off := 0
	for i, t := range schema.Types {
		sz := t.encodedSize()
		chunk := encoded[off : off+sz]
		key[i] = decodeAttribute(t, chunk)
		off += sz
	}
	return key
}

// compareAttr orders two present attributes of the same type, returning
// a negative, zero, or positive int as a < b, a == b, a > b.
func compareAttr(a, b Attribute) int {
	switch a.Type {
	case Short:
		switch {
		case a.ShortValue < b.ShortValue:
			return -1
		case a.ShortValue > b.ShortValue:
			return 1
		default:
			return 0
		}
	case Int:
		switch {
		case a.IntValue < b.IntValue:
			return -1
		case a.IntValue > b.IntValue:
			return 1
		default:
			return 0
		}
	case Varchar:
		switch {
		case a.StrValue < b.StrValue:
			return -1
		case a.StrValue > b.StrValue:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func decodeAttribute(t AttributeType, chunk []byte) Attribute {
	switch t {
	case Short:
		v := int32(binary.BigEndian.Uint32(chunk) ^ 0x80000000)
		return ShortAttr(v)
	case Int:
		v := int64(binary.BigEndian.Uint64(chunk) ^ 0x8000000000000000)
		return IntAttr(v)
	case Varchar:
		n := 0
		for n < len(chunk) && chunk[n] != 0x00 {
			n++
		}
		return VarcharAttr(string(chunk[:n]))
	default:
		return Attribute{}
	}
}
