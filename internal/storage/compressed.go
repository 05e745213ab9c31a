package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	envelopeMagic   = "JZST"
	envelopeVersion = 1
	envelopeHeader  = len(envelopeMagic) + 1
)

// CompressedStorage wraps a Backend and stores every payload as a zstd
// frame behind a short envelope header. Payloads without the envelope are
// returned as stored, so compression can be enabled on an existing store.
type CompressedStorage struct {
	Backend

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressedStorage wraps inner. The level follows zstd.EncoderLevel.
func NewCompressedStorage(inner Backend, level int) (*CompressedStorage, error) {
	if level <= 0 {
		level = int(zstd.SpeedDefault)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &CompressedStorage{Backend: inner, encoder: enc, decoder: dec}, nil
}

func (s *CompressedStorage) Read(ctx context.Context, p string) ([]byte, bool, error) {
	stored, ok, err := s.Backend.Read(ctx, p)
	if err != nil || !ok {
		return nil, ok, err
	}

	if len(stored) < envelopeHeader ||
		!bytes.HasPrefix(stored, []byte(envelopeMagic)) ||
		stored[len(envelopeMagic)] != envelopeVersion {
		return stored, true, nil
	}

	plain, err := s.decoder.DecodeAll(stored[envelopeHeader:], nil)
	if err != nil {
		return nil, false, fmt.Errorf("%s: decompress: %w", p, err)
	}
	return plain, true, nil
}

func (s *CompressedStorage) Write(ctx context.Context, p string, data []byte) error {
	envelope := make([]byte, 0, envelopeHeader+len(data)/2)
	envelope = append(envelope, envelopeMagic...)
	envelope = append(envelope, envelopeVersion)
	envelope = s.encoder.EncodeAll(data, envelope)

	return s.Backend.Write(ctx, p, envelope)
}
