package message

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/e2b-dev/memsync/packages/shared/pkg/pubsub"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// MaxDecodedFrameSize bounds what a single compressed frame may expand to.
const MaxDecodedFrameSize = 64 << 20

// Codec encodes sync messages for the bus, optionally compressing frames with zstd.
// Compressed frames are recognized by the zstd magic number, so both forms always decode.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

var _ pubsub.Codec[SyncMessage] = (*Codec)(nil)

func NewCodec(compress bool) (*Codec, error) {
	return newCodec(compress, MaxDecodedFrameSize)
}

func newCodec(compress bool, maxDecoded uint64) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxDecoded),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		encoder.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{
		compress: compress,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

func (c *Codec) Encode(msg SyncMessage) ([]byte, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}

	if !c.compress {
		return data, nil
	}

	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *Codec) Decode(data []byte) (SyncMessage, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		decompressed, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w: %w", ErrMalformedMessage, err)
		}

		data = decompressed
	}

	return Unmarshal(data)
}

func (c *Codec) Close() error {
	c.decoder.Close()

	return c.encoder.Close()
}
