package object

import (
	"errors"
	"fmt"

	"jupiter/internal/hash"

	"github.com/fxamacker/cbor/v2"
)

// Kind tags what a field holds.
type Kind uint8

const (
	// KindValue is a plain CBOR value.
	KindValue Kind = iota + 1
	// KindObject is an inline nested object.
	KindObject
	// KindObjectAttachment references another object by hash. The
	// referenced object is expanded recursively during finalization.
	KindObjectAttachment
	// KindBinaryAttachment references a blob by hash. Only its existence
	// is checked.
	KindBinaryAttachment
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindObject:
		return "object"
	case KindObjectAttachment:
		return "object-attachment"
	case KindBinaryAttachment:
		return "binary-attachment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsAttachment reports whether fields of this kind reference other content.
func (k Kind) IsAttachment() bool {
	return k == KindObjectAttachment || k == KindBinaryAttachment
}

const (
	documentVersion = 1
	maxInlineDepth  = 64
)

var ErrMalformed = errors.New("malformed object")

// Field is a single named entry in an object.
type Field struct {
	Name   string            `cbor:"1,keyasint"`
	Kind   Kind              `cbor:"2,keyasint"`
	Value  cbor.RawMessage   `cbor:"3,keyasint,omitempty"`
	Hash   *hash.ContentHash `cbor:"4,keyasint,omitempty"`
	Fields []Field           `cbor:"5,keyasint,omitempty"`
}

// Decode unmarshals a KindValue field into v.
func (f Field) Decode(v any) error {
	if f.Kind != KindValue {
		return fmt.Errorf("field %q is a %s, not a value", f.Name, f.Kind)
	}
	return decMode.Unmarshal(f.Value, v)
}

// AsString returns the field value as a string.
func (f Field) AsString() (string, error) {
	var s string
	err := f.Decode(&s)
	return s, err
}

// AsHash returns the target of an attachment field.
func (f Field) AsHash() (hash.ContentHash, bool) {
	if !f.Kind.IsAttachment() || f.Hash == nil {
		return hash.Zero, false
	}
	return *f.Hash, true
}

// Attachment is a typed reference yielded by IterateAttachments.
type Attachment struct {
	// Name is the slash separated path of the field within the object.
	Name string
	Kind Kind
	Hash hash.ContentHash
}

type document struct {
	Version uint    `cbor:"1,keyasint"`
	Fields  []Field `cbor:"2,keyasint"`
}

// Object is an immutable structured document. Its identity is the hash of
// its canonical encoding.
type Object struct {
	fields []Field
	data   []byte
	hash   hash.ContentHash
}

// Decode parses and validates an encoded object. The encoded bytes are
// kept as is so the object hashes to the identifier it was stored under.
func Decode(data []byte) (*Object, error) {
	var doc document
	if err := decMode.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, doc.Version)
	}
	if err := validateFields(doc.Fields, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Object{
		fields: doc.Fields,
		data:   append([]byte(nil), data...),
		hash:   hash.Of(data),
	}, nil
}

func encode(fields []Field) (*Object, error) {
	if err := validateFields(fields, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := encMode.Marshal(document{Version: documentVersion, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	return &Object{fields: fields, data: data, hash: hash.Of(data)}, nil
}

func validateFields(fields []Field, depth int) error {
	if depth > maxInlineDepth {
		return fmt.Errorf("inline nesting deeper than %d", maxInlineDepth)
	}

	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return errors.New("field with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Kind {
		case KindValue:
			if len(f.Value) == 0 || f.Hash != nil || len(f.Fields) > 0 {
				return fmt.Errorf("value field %q must carry only a value", f.Name)
			}
		case KindObject:
			if len(f.Value) > 0 || f.Hash != nil {
				return fmt.Errorf("object field %q must carry only fields", f.Name)
			}
			if err := validateFields(f.Fields, depth+1); err != nil {
				return err
			}
		case KindObjectAttachment, KindBinaryAttachment:
			if f.Hash == nil || len(f.Value) > 0 || len(f.Fields) > 0 {
				return fmt.Errorf("attachment field %q must carry only a hash", f.Name)
			}
		default:
			return fmt.Errorf("field %q has unknown kind %d", f.Name, f.Kind)
		}
	}
	return nil
}

func (o *Object) Hash() hash.ContentHash {
	return o.hash
}

// Bytes returns the canonical encoding. Callers must not modify it.
func (o *Object) Bytes() []byte {
	return o.data
}

// Fields returns the top level fields.
func (o *Object) Fields() []Field {
	return o.fields
}

// Field looks up a top level field by name.
func (o *Object) Field(name string) (Field, bool) {
	for _, f := range o.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IterateAttachments calls fn for every attachment in the object,
// descending into inline objects. Iteration stops at the first error.
func (o *Object) IterateAttachments(fn func(Attachment) error) error {
	return iterateFields(o.fields, "", fn)
}

func iterateFields(fields []Field, prefix string, fn func(Attachment) error) error {
	for _, f := range fields {
		name := f.Name
		if prefix != "" {
			name = prefix + "/" + f.Name
		}

		switch f.Kind {
		case KindObject:
			if err := iterateFields(f.Fields, name, fn); err != nil {
				return err
			}
		case KindObjectAttachment, KindBinaryAttachment:
			if err := fn(Attachment{Name: name, Kind: f.Kind, Hash: *f.Hash}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Attachments collects every attachment in iteration order.
func (o *Object) Attachments() []Attachment {
	var out []Attachment
	_ = o.IterateAttachments(func(a Attachment) error {
		out = append(out, a)
		return nil
	})
	return out
}
