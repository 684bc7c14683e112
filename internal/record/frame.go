package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	// FrameHeaderSize is the size of a frame header in bytes.
	FrameHeaderSize = 20
	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize = 1 << 30
)

// Frame is the unit appended to a segment log by one mutating call.
// Either every entry of a frame is visible to readers or none is.
//
// Layout (little endian):
//
//	CRC32 u32 | LSN u64 | Count u32 | Length u32 | Payload
//	Payload: Count x (EntryLen u32 | Entry)
//
// The CRC (IEEE) covers LSN, Count, Length and the payload.
type Frame struct {
	LSN     uint64
	Size    int
	Entries []FrameEntry
}

// FrameEntry locates one decoded entry inside its frame.
type FrameEntry struct {
	Offset int // relative to the start of the frame
	Length int
	Entry  *Entry
}

// EncodeFrame encodes entries into one frame.
func EncodeFrame(lsn uint64, entries []*Entry, c Compression) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("record: empty frame")
	}
	buf := make([]byte, FrameHeaderSize, FrameHeaderSize+len(entries)*64)
	for _, e := range entries {
		lenPos := len(buf)
		buf = append(buf, 0, 0, 0, 0)
		var err error
		buf, err = AppendEntry(buf, e, c)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(buf[lenPos:], uint32(len(buf)-lenPos-4))
	}

	payloadLen := len(buf) - FrameHeaderSize
	if payloadLen > MaxFrameSize {
		return nil, errors.New("record: frame too large")
	}
	binary.LittleEndian.PutUint64(buf[4:], lsn)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(payloadLen))
	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[4:]))
	return buf, nil
}

// DecodeFrame decodes the frame at the start of buf.
//
// It returns ErrTruncated when buf ends before the frame does, ErrChecksum
// when a complete frame fails its CRC, and ErrCorrupt for any other
// inconsistency. It never reads past the declared frame length.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < FrameHeaderSize {
		return nil, ErrTruncated
	}
	sum := binary.LittleEndian.Uint32(buf[0:])
	lsn := binary.LittleEndian.Uint64(buf[4:])
	count := binary.LittleEndian.Uint32(buf[12:])
	length := binary.LittleEndian.Uint32(buf[16:])

	if length > MaxFrameSize {
		return nil, corruptf("frame length %d exceeds limit", length)
	}
	size := FrameHeaderSize + int(length)
	if len(buf) < size {
		return nil, ErrTruncated
	}
	if crc32.ChecksumIEEE(buf[4:size]) != sum {
		return nil, ErrChecksum
	}
	// Each entry needs at least its length prefix plus kind, flags and id length.
	if count == 0 || uint64(count)*10 > uint64(length) {
		return nil, corruptf("frame entry count %d invalid for length %d", count, length)
	}

	f := &Frame{LSN: lsn, Size: size, Entries: make([]FrameEntry, 0, count)}
	pos := FrameHeaderSize
	for i := uint32(0); i < count; i++ {
		if size-pos < 4 {
			return nil, corruptf("frame entry %d: missing length", i)
		}
		n := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if n > size-pos {
			return nil, corruptf("frame entry %d: length %d overruns frame", i, n)
		}
		e, err := Decode(buf[pos : pos+n])
		if err != nil {
			return nil, err
		}
		f.Entries = append(f.Entries, FrameEntry{Offset: pos, Length: n, Entry: e})
		pos += n
	}
	if pos != size {
		return nil, corruptf("frame has %d trailing bytes", size-pos)
	}
	return f, nil
}
