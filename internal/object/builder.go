package object

import (
	"fmt"

	"jupiter/internal/hash"
)

// Builder assembles an Object field by field. The first error is kept and
// returned by Build.
type Builder struct {
	fields []Field
	err    error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Value adds a plain value field.
func (b *Builder) Value(name string, v any) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := EncodeValue(v)
	if err != nil {
		b.err = fmt.Errorf("encode field %q: %w", name, err)
		return b
	}
	b.fields = append(b.fields, Field{Name: name, Kind: KindValue, Value: raw})
	return b
}

func (b *Builder) String(name, v string) *Builder { return b.Value(name, v) }

func (b *Builder) Int(name string, v int64) *Builder { return b.Value(name, v) }

func (b *Builder) Bool(name string, v bool) *Builder { return b.Value(name, v) }

func (b *Builder) Bytes(name string, v []byte) *Builder { return b.Value(name, v) }

// Object adds an inline nested object populated by fill.
func (b *Builder) Object(name string, fill func(*Builder)) *Builder {
	if b.err != nil {
		return b
	}
	nested := NewBuilder()
	fill(nested)
	if nested.err != nil {
		b.err = nested.err
		return b
	}
	b.fields = append(b.fields, Field{Name: name, Kind: KindObject, Fields: nested.fields})
	return b
}

// ObjectAttachment adds a reference to another object.
func (b *Builder) ObjectAttachment(name string, h hash.ContentHash) *Builder {
	return b.attachment(name, KindObjectAttachment, h)
}

// BinaryAttachment adds a reference to a blob.
func (b *Builder) BinaryAttachment(name string, h hash.ContentHash) *Builder {
	return b.attachment(name, KindBinaryAttachment, h)
}

func (b *Builder) attachment(name string, kind Kind, h hash.ContentHash) *Builder {
	if b.err != nil {
		return b
	}
	target := h
	b.fields = append(b.fields, Field{Name: name, Kind: kind, Hash: &target})
	return b
}

// Build validates the fields and produces the encoded object.
func (b *Builder) Build() (*Object, error) {
	if b.err != nil {
		return nil, b.err
	}
	return encode(b.fields)
}

// MustBuild is Build for fixtures.
func (b *Builder) MustBuild() *Object {
	obj, err := b.Build()
	if err != nil {
		panic(err)
	}
	return obj
}
