package kv

// Bounds from the contest interface this engine implements.
const (
	// MaxPayloadLength is the maximum payload size in bytes.
	MaxPayloadLength = 4096
	// MaxVarcharLength is the maximum length for a varchar attribute,
	// excluding its NUL terminator.
	MaxVarcharLength = 512
	// MaxAttributeCount is the maximum number of attributes in a key.
	MaxAttributeCount = 255
)

// AttributeType identifies the variant of an Attribute.
type AttributeType uint8

const (
	// Short is a 32-bit signed integer attribute.
	Short AttributeType = iota
	// Int is a 64-bit signed integer attribute.
	Int
	// Varchar is a UTF-8-agnostic byte string of length <= MaxVarcharLength.
	Varchar
)

func (t AttributeType) String() string {
	switch t {
	case Short:
		return "short"
	case Int:
		return "int"
	case Varchar:
		return "varchar"
	default:
		return "unknown"
	}
}

// encodedSize returns the fixed encoded width of an attribute of this type.
func (t AttributeType) encodedSize() int {
	switch t {
	case Short:
		return 4
	case Int:
		return 8
	case Varchar:
		return MaxVarcharLength + 1
	default:
		return 0
	}
}

// Attribute is a single tagged value within a Key. A zero-value Attribute
// with Present == false is a wildcard: it signifies the minimum or
// maximum of its domain depending on whether it appears in a lower-bound
// or upper-bound position of a query key.
type Attribute struct {
	Type    AttributeType
	Present bool

	ShortValue int32
	IntValue   int64
	StrValue   string // up to MaxVarcharLength bytes; longer values are an error at encode time
}

// ShortAttr builds a present short attribute.
func ShortAttr(v int32) Attribute { return Attribute{Type: Short, Present: true, ShortValue: v} }

// IntAttr builds a present int attribute.
func IntAttr(v int64) Attribute { return Attribute{Type: Int, Present: true, IntValue: v} }

// VarcharAttr builds a present varchar attribute.
func VarcharAttr(v string) Attribute { return Attribute{Type: Varchar, Present: true, StrValue: v} }

// Wildcard builds an absent attribute of the given type.
func Wildcard(t AttributeType) Attribute { return Attribute{Type: t, Present: false} }

// Key is an ordered sequence of attributes, length 1..MaxAttributeCount.
type Key []Attribute

// Clone returns an independent copy of k; the engine never aliases a
// caller's Key slice after a call returns.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Payload is an opaque byte block of length 0..MaxPayloadLength. The
// engine owns copies of payload bytes; caller buffers are never aliased
// after a call returns.
type Payload []byte

// Clone returns an independent copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}

// Record is a (Key, Payload) pair, the unit stored in and returned by an
// index.
type Record struct {
	Key     Key
	Payload Payload
}

// Clone returns a Record whose Key and Payload are independent copies.
func (r Record) Clone() Record {
	return Record{Key: r.Key.Clone(), Payload: r.Payload.Clone()}
}

// Schema is the immutable attribute-count and type-vector of a named
// index, plus its derived encoded key byte size.
type Schema struct {
	Name       string
	Types      []AttributeType
	KeySize    int // derived: sum of each attribute type's encoded width
}

// NewSchema validates a type vector and derives the schema's encoded key
// size.
func NewSchema(name string, types []AttributeType) (*Schema, error) {
	if len(types) == 0 || len(types) > MaxAttributeCount {
		return nil, wrapf(GenericFailure, nil, "attribute count %d out of range", len(types))
	}
	size := 0
	for _, t := range types {
		sz := t.encodedSize()
		if sz == 0 {
			return nil, wrapf(GenericFailure, nil, "unknown attribute type %d", t)
		}
		size += sz
	}
	cp := make([]AttributeType, len(types))
	copy(cp, types)
	return &Schema{Name: name, Types: cp, KeySize: size}, nil
}

// Compatible reports whether key matches s: equal attribute count, and
// each present attribute's type equal to the schema's type at that
// position. Wildcard (absent) attributes are compatible by position
// regardless of their Type field.
func (s *Schema) Compatible(key Key) bool {
	if len(key) != len(s.Types) {
		return false
	}
	for i, a := range key {
		if a.Present && a.Type != s.Types[i] {
			return false
		}
	}
	return true
}

// ModFlag is a bit-or combinable modifier for UpdateRecord/DeleteRecord.
type ModFlag uint8

const (
	// MatchDuplicates causes the operation to sweep every further
	// same-key duplicate whose (key[, payload]) also matches the
	// original predicate, after the initial match.
	MatchDuplicates ModFlag = 1 << iota
	// IgnorePayload matches by key only, ignoring payload equality.
	IgnorePayload
)

func (f ModFlag) has(bit ModFlag) bool { return f&bit != 0 }
