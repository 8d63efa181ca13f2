package filestream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleChunkPayload() []byte {
	line := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for benchmarking purposes\n")
	return bytes.Repeat(line, 512)
}

func TestChunkCodecsCompress(t *testing.T) {
	payload := sampleChunkPayload()

	zc, err := NewZstdCodec()
	require.NoError(t, err)

	for _, c := range []ChunkCodec{zc, NewLZ4Codec()} {
		out, err := c.Compress(payload)
		require.NoErrorf(t, err, "codec %s", c.Name())
		require.NotEmptyf(t, out, "codec %s", c.Name())
	}
}

func BenchmarkChunkRelayCodecs(b *testing.B) {
	payload := sampleChunkPayload()
	zc, err := NewZstdCodec()
	if err != nil {
		b.Fatal(err)
	}
	codecs := []ChunkCodec{zc, NewLZ4Codec()}

	for _, c := range codecs {
		c := c
		b.Run(c.Name(), func(b *testing.B) {
			b.SetBytes(int64(len(payload)))
			for i := 0; i < b.N; i++ {
				if _, err := c.Compress(payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}

	b.Run("none", func(b *testing.B) {
		b.SetBytes(int64(len(payload)))
		for i := 0; i < b.N; i++ {
			_ = payload
		}
	})
}
