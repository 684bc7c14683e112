package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/vecstore/metadata"
)

// Kind identifies the type of a log entry.
type Kind uint8

const (
	// KindPut carries a full record version.
	KindPut Kind = 1
	// KindTombstone hides every earlier version of an id.
	KindTombstone Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	flagDocument    = 1 << 0
	flagMetadata    = 1 << 1
	compressionMask = 0x30
	compressionBits = 4
)

var (
	// ErrCorrupt is returned when an entry or frame fails validation.
	ErrCorrupt = errors.New("corrupt record")
	// ErrChecksum is returned when a complete frame has a bad checksum.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	// ErrTruncated is returned when the input ends before a frame is complete.
	ErrTruncated = errors.New("truncated frame")
)

// Entry is one version of a record, or a tombstone for its id.
type Entry struct {
	Kind      Kind
	ID        string
	Document  *string
	Embedding []float64
	Metadata  metadata.Document
}

// Tombstone returns a tombstone entry for id.
func Tombstone(id string) *Entry {
	return &Entry{Kind: KindTombstone, ID: id}
}

// AppendEntry appends the encoding of e to dst.
//
// Layout (little endian):
//
//	Kind u8 | Flags u8 | IDLen u32 | ID
//	[DocLen u32 | Doc]          if flagDocument
//	Dim u32 | Dim x f64         put entries only
//	[MetaLen u32 | Meta]        if flagMetadata
func AppendEntry(dst []byte, e *Entry, c Compression) ([]byte, error) {
	if e.ID == "" {
		return nil, errors.New("record: empty id")
	}

	switch e.Kind {
	case KindTombstone:
		dst = append(dst, byte(KindTombstone), 0)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.ID)))
		return append(dst, e.ID...), nil
	case KindPut:
	default:
		return nil, fmt.Errorf("record: unknown kind %d", e.Kind)
	}

	var (
		flags   byte
		doc     []byte
		applied Compression
		meta    []byte
	)
	if e.Document != nil {
		flags |= flagDocument
		var err error
		doc, applied, err = compressDocument([]byte(*e.Document), c)
		if err != nil {
			return nil, err
		}
		flags |= byte(applied) << compressionBits
	}
	if len(e.Metadata) > 0 {
		flags |= flagMetadata
		var err error
		meta, err = e.Metadata.MarshalBinary()
		if err != nil {
			return nil, err
		}
	}

	dst = append(dst, byte(KindPut), flags)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.ID)))
	dst = append(dst, e.ID...)
	if flags&flagDocument != 0 {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(doc)))
		dst = append(dst, doc...)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Embedding)))
	for _, f := range e.Embedding {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
	}
	if flags&flagMetadata != 0 {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(meta)))
		dst = append(dst, meta...)
	}
	return dst, nil
}

// Encode returns the encoding of e.
func Encode(e *Entry, c Compression) ([]byte, error) {
	return AppendEntry(nil, e, c)
}

// Decode decodes exactly one entry from buf.
// Any truncation, length mismatch or unknown field yields ErrCorrupt.
func Decode(buf []byte) (*Entry, error) {
	r := reader{buf: buf}

	kind := Kind(r.u8())
	flags := r.u8()
	id := r.bytes(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	if len(id) == 0 {
		return nil, corruptf("empty id")
	}

	e := &Entry{Kind: kind, ID: string(id)}
	switch kind {
	case KindTombstone:
		if flags != 0 {
			return nil, corruptf("tombstone with flags %#x", flags)
		}
	case KindPut:
		if flags&^(flagDocument|flagMetadata|compressionMask) != 0 {
			return nil, corruptf("unknown flags %#x", flags)
		}
		if flags&flagDocument != 0 {
			raw := r.bytes(r.u32())
			if r.err != nil {
				return nil, r.err
			}
			doc, err := decompressDocument(raw, Compression((flags&compressionMask)>>compressionBits))
			if err != nil {
				return nil, corruptf("document: %v", err)
			}
			s := string(doc)
			e.Document = &s
		} else if flags&compressionMask != 0 {
			return nil, corruptf("compression without document")
		}

		dim := r.u32()
		raw := r.bytes(uint64(dim) * 8)
		if r.err != nil {
			return nil, r.err
		}
		e.Embedding = make([]float64, dim)
		for i := range e.Embedding {
			e.Embedding[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}

		if flags&flagMetadata != 0 {
			raw := r.bytes(r.u32())
			if r.err != nil {
				return nil, r.err
			}
			var doc metadata.Document
			if err := doc.UnmarshalBinary(raw); err != nil {
				return nil, corruptf("metadata: %v", err)
			}
			e.Metadata = doc
		}
	default:
		return nil, corruptf("unknown kind %d", kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(buf) {
		return nil, corruptf("%d trailing bytes", len(buf)-r.pos)
	}
	return e, nil
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// reader is a bounds-checked cursor; after the first failure every read
// returns zero values and err stays set.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n uint64) bool {
	if r.err != nil {
		return false
	}
	if n > uint64(len(r.buf)-r.pos) {
		r.err = corruptf("need %d bytes at offset %d, have %d", n, r.pos, len(r.buf)-r.pos)
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u32() uint64 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return uint64(v)
}

func (r *reader) bytes(n uint64) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b
}
