package db

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func tailCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return encoder, decoder, codecErr
}

// encodeTail compresses the output tail for storage.
func encodeTail(tail []byte) ([]byte, error) {
	if len(tail) == 0 {
		return nil, nil
	}
	enc, _, err := tailCodec()
	if err != nil {
		return nil, fmt.Errorf("init tail codec: %w", err)
	}
	return enc.EncodeAll(tail, make([]byte, 0, len(tail)/4)), nil
}

func decodeTail(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	_, dec, err := tailCodec()
	if err != nil {
		return nil, fmt.Errorf("init tail codec: %w", err)
	}
	return dec.DecodeAll(blob, nil)
}
