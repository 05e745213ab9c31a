package object_test

import (
	"context"
	"testing"

	"jupiter/internal/blobstore"
	"jupiter/internal/hash"
	"jupiter/internal/object"
	"jupiter/internal/storage"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	build := func() *object.Object {
		return object.NewBuilder().
			String("name", "game.pak").
			Int("size", 1024).
			BinaryAttachment("payload", hash.Of([]byte("payload"))).
			MustBuild()
	}

	a, b := build(), build()
	require.Equal(t, a.Bytes(), b.Bytes())
	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, hash.Of(a.Bytes()), a.Hash())
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	child := hash.Of([]byte("child object"))
	blob := hash.Of([]byte("blob"))

	obj := object.NewBuilder().
		String("name", "root").
		Bool("compressed", true).
		ObjectAttachment("child", child).
		Object("meta", func(b *object.Builder) {
			b.String("platform", "linux").BinaryAttachment("icon", blob)
		}).
		MustBuild()

	decoded, err := object.Decode(obj.Bytes())
	require.NoError(t, err)
	require.Equal(t, obj.Hash(), decoded.Hash())

	name, ok := decoded.Field("name")
	require.True(t, ok)
	s, err := name.AsString()
	require.NoError(t, err)
	require.Equal(t, "root", s)

	var compressed bool
	f, _ := decoded.Field("compressed")
	require.NoError(t, f.Decode(&compressed))
	require.True(t, compressed)

	f, _ = decoded.Field("child")
	target, ok := f.AsHash()
	require.True(t, ok)
	require.Equal(t, child, target)
}

func TestIterateAttachmentsDescendsIntoInlineObjects(t *testing.T) {
	t.Parallel()

	a := hash.Of([]byte("a"))
	b := hash.Of([]byte("b"))
	c := hash.Of([]byte("c"))

	obj := object.NewBuilder().
		BinaryAttachment("top", a).
		Object("nested", func(n *object.Builder) {
			n.ObjectAttachment("obj", b).
				Object("deeper", func(d *object.Builder) {
					d.BinaryAttachment("leaf", c)
				})
		}).
		String("plain", "ignored").
		MustBuild()

	require.Equal(t, []object.Attachment{
		{Name: "top", Kind: object.KindBinaryAttachment, Hash: a},
		{Name: "nested/obj", Kind: object.KindObjectAttachment, Hash: b},
		{Name: "nested/deeper/leaf", Kind: object.KindBinaryAttachment, Hash: c},
	}, obj.Attachments())
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	_, err := object.NewBuilder().String("x", "1").String("x", "2").Build()
	require.ErrorIs(t, err, object.ErrMalformed)

	_, err = object.NewBuilder().String("", "anonymous").Build()
	require.ErrorIs(t, err, object.ErrMalformed)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := object.Decode([]byte("definitely not cbor"))
	require.ErrorIs(t, err, object.ErrMalformed)

	h := hash.Of([]byte("x"))
	tests := []struct {
		name   string
		fields []object.Field
	}{
		{"value without payload", []object.Field{{Name: "v", Kind: object.KindValue}}},
		{"attachment without hash", []object.Field{{Name: "a", Kind: object.KindBinaryAttachment}}},
		{"value with hash", []object.Field{{Name: "v", Kind: object.KindValue, Value: cbor.RawMessage{0x01}, Hash: &h}}},
		{"unknown kind", []object.Field{{Name: "u", Kind: 42, Hash: &h}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := cbor.Marshal(map[int]any{1: 1, 2: tt.fields})
			require.NoError(t, err)

			_, err = object.Decode(data)
			require.ErrorIs(t, err, object.ErrMalformed)
		})
	}

	data, err := cbor.Marshal(map[int]any{1: 7, 2: []object.Field{}})
	require.NoError(t, err)
	_, err = object.Decode(data)
	require.ErrorIs(t, err, object.ErrMalformed, "unknown version")
}

func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := blobstore.New(storage.NewMemoryStorage())
	store := object.NewStore(blobs)

	obj := object.NewBuilder().String("k", "v").MustBuild()

	h, err := store.Add(ctx, "ns", obj)
	require.NoError(t, err)
	require.Equal(t, obj.Hash(), h)

	got, ok, err := store.Get(ctx, "ns", h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, obj.Bytes(), got.Bytes())

	_, ok, err = store.Get(ctx, "ns", hash.Of([]byte("missing")))
	require.NoError(t, err)
	require.False(t, ok)

	// A raw blob is not an object.
	raw, err := blobs.PutData(ctx, "ns", []byte("raw bytes"))
	require.NoError(t, err)
	_, _, err = store.Get(ctx, "ns", raw)
	require.ErrorIs(t, err, object.ErrMalformed)
}

func TestStorePutVerifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := object.NewStore(blobstore.New(storage.NewMemoryStorage()))
	obj := object.NewBuilder().Int("n", 7).MustBuild()

	_, err := store.Put(ctx, "ns", hash.Of([]byte("wrong")), obj.Bytes())
	require.ErrorIs(t, err, blobstore.ErrIntegrity)

	junk := []byte("junk")
	_, err = store.Put(ctx, "ns", hash.Of(junk), junk)
	require.ErrorIs(t, err, object.ErrMalformed)

	stored, err := store.Put(ctx, "ns", obj.Hash(), obj.Bytes())
	require.NoError(t, err)
	require.Equal(t, obj.Hash(), stored.Hash())
}
