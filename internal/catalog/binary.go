package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/hupe1980/vecstore/distance"
)

const (
	binaryMagic      = 0x56534354 // "VSCT"
	binaryVersion    = 1
	binaryHeaderSize = 16
	maxCollections   = 1 << 20
)

// encodeState returns the binary form of s.
//
// Format (little endian):
//
//	Magic u32 | Version u32 | Checksum u32 (CRC32 of payload) | PayloadLength u32
//	Payload:
//	  StateVersion u64
//	  NumCollections u32
//	  Collections...
//	    ID (string)
//	    Name (string)
//	    Dimension u32
//	    Metric u8
//	    CreatedAt u64 (UnixNano)
//	    Metadata (bytes, metadata binary encoding)
func encodeState(s *State) ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, binaryHeaderSize, binaryHeaderSize+64+len(s.Collections)*96))

	pb.writeUint64(s.Version)
	pb.writeUint32(uint32(len(s.Collections)))
	for _, c := range s.Collections {
		pb.writeString(c.ID)
		pb.writeString(c.Name)
		pb.writeUint32(uint32(c.Dimension))
		pb.writeUint8(uint8(c.Metric))
		pb.writeUint64(uint64(c.CreatedAt.UnixNano()))
		var md []byte
		if len(c.Metadata) > 0 {
			var err error
			if md, err = c.Metadata.MarshalBinary(); err != nil {
				return nil, err
			}
		}
		pb.writeBytes(md)
	}
	if pb.err != nil {
		return nil, pb.err
	}

	buf := pb.buf
	payload := buf[binaryHeaderSize:]
	binary.LittleEndian.PutUint32(buf[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(buf[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	return buf, nil
}

// decodeState parses the output of encodeState. Every failure wraps ErrCorrupt.
func decodeState(data []byte) (*State, error) {
	if len(data) < binaryHeaderSize {
		return nil, fmt.Errorf("%w: file too small", ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	if uint64(length) != uint64(len(data)-binaryHeaderSize) {
		return nil, fmt.Errorf("%w: payload length %d, have %d", ErrCorrupt, length, len(data)-binaryHeaderSize)
	}
	payload := data[binaryHeaderSize:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	s := &State{Version: pb.readUint64()}
	n := pb.readUint32()
	// Each collection takes at least 19 bytes.
	if n > maxCollections || uint64(n)*19 > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: collection count %d", ErrCorrupt, n)
	}
	s.Collections = make([]Collection, 0, n)
	for i := uint32(0); i < n && pb.err == nil; i++ {
		c := Collection{
			ID:        pb.readString(),
			Name:      pb.readString(),
			Dimension: int(pb.readUint32()),
			Metric:    distance.Metric(pb.readUint8()),
			CreatedAt: time.Unix(0, int64(pb.readUint64())).UTC(),
		}
		if md := pb.readBytes(); len(md) > 0 {
			if err := c.Metadata.UnmarshalBinary(md); err != nil {
				return nil, fmt.Errorf("%w: collection %q metadata: %v", ErrCorrupt, c.Name, err)
			}
		}
		if pb.err == nil && !c.Metric.Valid() {
			return nil, fmt.Errorf("%w: collection %q has unknown metric %d", ErrCorrupt, c.Name, int(c.Metric))
		}
		s.Collections = append(s.Collections, c)
	}
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	if pb.pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload)-pb.pos)
	}
	return s, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) next(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || n > len(p.buf)-p.pos {
		p.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, p.pos, len(p.buf)-p.pos)
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint64() uint64 {
	if b := p.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (p *payloadBuffer) readUint32() uint32 {
	if b := p.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (p *payloadBuffer) readUint8() uint8 {
	if b := p.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (p *payloadBuffer) readString() string {
	b := p.next(2)
	if b == nil {
		return ""
	}
	return string(p.next(int(binary.LittleEndian.Uint16(b))))
}

func (p *payloadBuffer) readBytes() []byte {
	b := p.next(4)
	if b == nil {
		return nil
	}
	return p.next(int(binary.LittleEndian.Uint32(b)))
}

// EncodeState returns the checksummed binary form of s, as stored in
// manifest version files and backups.
func EncodeState(s *State) ([]byte, error) { return encodeState(s) }

// DecodeState parses the output of EncodeState.
func DecodeState(data []byte) (*State, error) { return decodeState(data) }
