package tiled

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/IvanBrykalov/rastercache/resource"
)

// Compression is the per-file block compression algorithm.
type Compression uint8

const (
	// CompressionNone stores blocks raw.
	CompressionNone Compression = 0
	// CompressionLZ4 is the default: fast, modest ratio.
	CompressionLZ4 Compression = 1
	// CompressionZSTD trades speed for ratio.
	CompressionZSTD Compression = 2
	// CompressionS2 is Snappy-compatible, fastest to decode.
	CompressionS2 Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionLZ4:
		return "LZ4"
	case CompressionZSTD:
		return "ZSTD"
	case CompressionS2:
		return "S2"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression maps a COMPRESS option value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LZ4":
		return CompressionLZ4, nil
	case "NONE":
		return CompressionNone, nil
	case "ZSTD":
		return CompressionZSTD, nil
	case "S2", "SNAPPY":
		return CompressionS2, nil
	}
	return 0, fmt.Errorf("%w: COMPRESS=%q", resource.ErrInvalidOption, s)
}

// ZSTD encoder/decoder pools; encoders are expensive to build.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressBlock returns the stored form of raw. When compression does not
// shrink the block it is stored raw; readers recognize this by
// stored length == raw length.
func compressBlock(raw []byte, c Compression) ([]byte, error) {
	if len(raw) == 0 || c == CompressionNone {
		return raw, nil
	}
	var out []byte
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		var comp lz4.Compressor
		n, err := comp.CompressBlock(raw, dst)
		if err != nil {
			return nil, err
		}
		out = dst[:n] // n == 0: incompressible
	case CompressionZSTD:
		enc := getZstdEncoder()
		out = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CompressionS2:
		out = s2.Encode(nil, raw)
	default:
		return nil, fmt.Errorf("%w: compression %s", resource.ErrUnsupportedFormat, c)
	}
	if len(out) == 0 || len(out) >= len(raw) {
		return raw, nil
	}
	return out, nil
}

// decompressBlock expands stored into dst, which has the raw block length.
func decompressBlock(dst, stored []byte, c Compression) error {
	if len(stored) == len(dst) {
		copy(dst, stored)
		return nil
	}
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return err
		}
		if n != len(dst) {
			return fmt.Errorf("lz4: short block, %d of %d bytes", n, len(dst))
		}
	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(stored, dst[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return err
		}
		if len(out) != len(dst) {
			return fmt.Errorf("zstd: short block, %d of %d bytes", len(out), len(dst))
		}
		if &out[0] != &dst[0] {
			copy(dst, out)
		}
	case CompressionS2:
		out, err := s2.Decode(dst, stored)
		if err != nil {
			return err
		}
		if len(out) != len(dst) {
			return fmt.Errorf("s2: short block, %d of %d bytes", len(out), len(dst))
		}
		if &out[0] != &dst[0] {
			copy(dst, out)
		}
	default:
		return fmt.Errorf("%w: compression %s", resource.ErrUnsupportedFormat, c)
	}
	return nil
}
