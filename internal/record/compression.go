package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression applied to documents.
type Compression uint8

const (
	// CompressionNone stores documents verbatim.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the names returned by Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// MaxDocumentSize bounds the decompressed size of a single document.
const MaxDocumentSize = 64 << 20

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
}

// compressDocument returns the stored form of doc and the compression that was
// actually applied. Compression is dropped when it saves less than 10%.
// Compressed form: [uncompressed u32][compressed bytes].
func compressDocument(doc []byte, c Compression) ([]byte, Compression, error) {
	if c == CompressionNone || len(doc) < 64 {
		return doc, CompressionNone, nil
	}

	var compressed []byte
	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(doc)))
		n, err := lz4.CompressBlock(doc, dst, nil)
		if err != nil {
			return nil, 0, err
		}
		compressed = dst[:n]
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, 0, err
		}
		compressed = enc.EncodeAll(doc, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, 0, fmt.Errorf("unknown compression %d", c)
	}

	if len(compressed) == 0 || float64(4+len(compressed)) > float64(len(doc))*0.9 {
		return doc, CompressionNone, nil
	}

	out := make([]byte, 4, 4+len(compressed))
	binary.LittleEndian.PutUint32(out, uint32(len(doc)))
	return append(out, compressed...), c, nil
}

func decompressDocument(data []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return data, nil
	}
	if len(data) < 4 {
		return nil, errors.New("compressed document too small")
	}
	size := binary.LittleEndian.Uint32(data)
	if size > MaxDocumentSize {
		return nil, fmt.Errorf("document size %d exceeds limit", size)
	}
	body := data[4:]

	switch c {
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
