package filestream

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v3"
)

// ChunkCodec is an alternate fast-path compressor evaluated for binary
// chunk relay. It is never wired into Chunk's live relay path — the
// router stays stream-through with no persistence, retry, or expiry
// for files (spec §4.8) — this exists purely so the relay's raw
// throughput can be compared against a compressed alternative in a
// benchmark (see bench_codec_test.go) before deciding whether
// compression is worth the CPU cost at the call site that owns it.
type ChunkCodec interface {
	Name() string
	Compress(payload []byte) ([]byte, error)
}

type zstdCodec struct{ enc *zstd.Encoder }

// NewZstdCodec builds a ChunkCodec backed by klauspost/compress's zstd
// encoder, reused across calls (EncodeAll is safe for concurrent use).
func NewZstdCodec() (ChunkCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc}, nil
}

func (z *zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Compress(payload []byte) ([]byte, error) {
	return z.enc.EncodeAll(payload, make([]byte, 0, len(payload))), nil
}

type lz4Codec struct{}

// NewLZ4Codec builds a ChunkCodec backed by pierrec/lz4's block
// compressor, favoring speed over ratio relative to zstd.
func NewLZ4Codec() ChunkCodec { return lz4Codec{} }

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(payload []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(payload)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(payload, buf, ht[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible input: lz4 reports this by returning 0.
		return payload, nil
	}
	return buf[:n], nil
}
