package hash

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"
)

// Size is the width of a ContentHash in bytes. The BLAKE3 digest is
// truncated to 160 bits.
const Size = 20

var ErrInvalidHash = errors.New("invalid content hash")

// ContentHash identifies an immutable payload by the truncated BLAKE3
// digest of its bytes.
type ContentHash [Size]byte

// Zero is the zero value, never produced by Of.
var Zero ContentHash

// Of computes the content hash of data.
func Of(data []byte) ContentHash {
	sum := blake3.Sum256(data)
	var h ContentHash
	copy(h[:], sum[:Size])
	return h
}

// Parse decodes a hexadecimal content hash. Both upper and lower case
// input is accepted.
func Parse(s string) (ContentHash, error) {
	var h ContentHash
	if len(s) != Size*2 {
		return h, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidHash, Size*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// MustParse is Parse for constants in tests and tables.
func MustParse(s string) ContentHash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h ContentHash) IsZero() bool {
	return h == Zero
}

// Compare orders hashes bytewise.
func (h ContentHash) Compare(other ContentHash) int {
	return bytes.Compare(h[:], other[:])
}

func (h ContentHash) Less(other ContentHash) bool {
	return h.Compare(other) < 0
}

func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MarshalBinary lets CBOR encode the hash as a byte string.
func (h ContentHash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

func (h *ContentHash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, Size, len(data))
	}
	copy(h[:], data)
	return nil
}

// Sort orders hashes in place so callers can return deterministic lists.
func Sort(hashes []ContentHash) {
	slices.SortFunc(hashes, ContentHash.Compare)
}

// Set is an unordered collection of hashes.
type Set map[ContentHash]struct{}

func (s Set) Add(h ContentHash) {
	s[h] = struct{}{}
}

func (s Set) Has(h ContentHash) bool {
	_, ok := s[h]
	return ok
}

// Sorted returns the members of the set in hash order.
func (s Set) Sorted() []ContentHash {
	out := make([]ContentHash, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	Sort(out)
	return out
}
