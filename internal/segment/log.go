package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/vecstore/internal/fs"
	"github.com/hupe1980/vecstore/internal/record"
)

const (
	logMagic   = "VSTORLOG" // 8 bytes
	logVersion = 1          // 4 bytes
	// HeaderSize is the size of the log file header.
	HeaderSize = 12
)

var (
	// ErrNotFound is returned when an id has no live entry.
	ErrNotFound = errors.New("record not found")
	// ErrMissing is returned by Open when the log file does not exist.
	ErrMissing = errors.New("segment log missing")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("segment log closed")
	// ErrInvalidHeader is returned for a log file with a bad magic or version.
	ErrInvalidHeader = fmt.Errorf("%w: invalid segment log header", record.ErrCorrupt)
)

// Options configures a Log.
type Options struct {
	FS          fs.FileSystem
	Compression record.Compression
}

// DefaultOptions returns the default log options.
func DefaultOptions() Options {
	return Options{FS: fs.Default, Compression: record.CompressionNone}
}

// Log is the append-only record log of one collection.
//
// Entries are grouped into frames; a frame is applied to the in-memory index
// only once it is complete and its checksum verifies, so readers always see a
// whole batch or nothing of it. The index is an arena of entry references in
// write order, a map from id to the ordinal of its latest entry, and a roaring
// bitmap of the ordinals that are currently live.
type Log struct {
	path string
	fsys fs.FileSystem
	opts Options

	mu     sync.RWMutex
	file   fs.File
	size   int64 // end of the last applied frame
	lsn    uint64
	refs   []entryRef
	latest map[string]uint32
	live   *roaring.Bitmap
	closed bool

	// Header of the last applied frame, used to notice a frame that was
	// rolled back after this handle applied it.
	tailOff    int64
	tailHeader []byte
}

type entryRef struct {
	off  int64
	n    uint32
	kind record.Kind
}

// Stats describes the state of a log.
type Stats struct {
	Entries int    // entries replayed or appended, including shadowed ones
	Live    int    // ids with a live latest entry
	Size    int64  // bytes covered by applied frames
	LSN     uint64 // sequence number of the last applied frame
}

// Create creates a new, empty log at path. It fails if path exists.
func Create(path string, optFns ...func(*Options)) (*Log, error) {
	opts := applyOptions(optFns)
	f, err := opts.FS.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	header := make([]byte, HeaderSize)
	copy(header[0:8], logMagic)
	binary.LittleEndian.PutUint32(header[8:12], logVersion)
	if _, err := f.WriteAt(header, 0); err != nil {
		_ = f.Close()
		_ = opts.FS.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = opts.FS.Remove(path)
		return nil, err
	}
	if err := fs.SyncDir(opts.FS, filepath.Dir(path)); err != nil {
		_ = f.Close()
		_ = opts.FS.Remove(path)
		return nil, err
	}

	return newLog(path, f, opts), nil
}

// Open opens an existing log and rebuilds its index by replaying every
// complete frame. A torn final frame is ignored; see Recover.
func Open(path string, optFns ...func(*Options)) (*Log, error) {
	opts := applyOptions(optFns)
	f, err := opts.FS.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, err
	}

	header := make([]byte, HeaderSize)
	if n, err := f.ReadAt(header, 0); err != nil {
		_ = f.Close()
		if n < HeaderSize && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return nil, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, n, HeaderSize)
		}
		return nil, err
	}
	if string(header[0:8]) != logMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != logVersion {
		_ = f.Close()
		return nil, fmt.Errorf("%w: version %d (expected %d)", ErrInvalidHeader, ver, logVersion)
	}

	l := newLog(path, f, opts)
	if _, err := l.refreshLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func applyOptions(optFns []func(*Options)) Options {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	return opts
}

func newLog(path string, f fs.File, opts Options) *Log {
	return &Log{
		path:   path,
		fsys:   opts.FS,
		opts:   opts,
		file:   f,
		size:   HeaderSize,
		latest: make(map[string]uint32),
		live:   roaring.New(),
	}
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// Refresh applies frames appended since the last refresh, typically by
// another process. An incomplete final frame is left for a later refresh.
func (l *Log) Refresh() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.refreshLocked()
}

// Recover refreshes the log and truncates any bytes past the last complete
// frame, such as a frame torn by a crashed writer. It must only be called
// while holding the write lease. It returns the number of bytes removed.
func (l *Log) Recover() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if _, err := l.refreshLocked(); err != nil {
		return 0, err
	}
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	torn := info.Size() - l.size
	if torn <= 0 {
		return 0, nil
	}
	if err := l.file.Truncate(l.size); err != nil {
		return 0, err
	}
	if err := l.file.Sync(); err != nil {
		return 0, err
	}
	return torn, nil
}

// refreshLocked replays complete frames between l.size and the end of file.
func (l *Log) refreshLocked() (int, error) {
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	end := info.Size()

	header := make([]byte, record.FrameHeaderSize)
	rolledBack, err := l.rolledBackLocked(header, end)
	if err != nil {
		return 0, err
	}
	if rolledBack {
		l.resetLocked()
	}

	applied := 0
	for off := l.size; end-off >= record.FrameHeaderSize; {
		if _, err := l.file.ReadAt(header, off); err != nil {
			return applied, err
		}
		length := int64(binary.LittleEndian.Uint32(header[16:]))
		frameEnd := off + record.FrameHeaderSize + length
		if length > record.MaxFrameSize {
			if tornTail(header, frameEnd, end) {
				break
			}
			return applied, fmt.Errorf("%s at offset %d: %w", l.path, off, record.ErrCorrupt)
		}
		if frameEnd > end {
			// Not fully written yet, or torn.
			break
		}

		buf := make([]byte, frameEnd-off)
		if _, err := l.file.ReadAt(buf, off); err != nil {
			return applied, err
		}
		fr, err := record.DecodeFrame(buf)
		if err != nil {
			if errors.Is(err, record.ErrChecksum) && tornTail(header, frameEnd, end) {
				break
			}
			return applied, fmt.Errorf("%s at offset %d: %w", l.path, off, err)
		}
		if fr.LSN != l.lsn+1 {
			return applied, fmt.Errorf("%s at offset %d: %w: lsn %d follows %d", l.path, off, record.ErrCorrupt, fr.LSN, l.lsn)
		}
		l.apply(fr, off, header)
		applied += len(fr.Entries)
		off = frameEnd
	}
	return applied, nil
}

// rolledBackLocked reports whether the last applied frame is no longer in
// the file. A writer truncates a frame whose sync failed, and the next
// writer may reuse its offset and sequence number.
func (l *Log) rolledBackLocked(buf []byte, end int64) (bool, error) {
	if l.tailHeader == nil {
		return false, nil
	}
	if end < l.size {
		return true, nil
	}
	if _, err := l.file.ReadAt(buf, l.tailOff); err != nil {
		return false, err
	}
	return !bytes.Equal(buf, l.tailHeader), nil
}

// resetLocked drops the index so the next refresh replays the whole file.
func (l *Log) resetLocked() {
	l.size = HeaderSize
	l.lsn = 0
	l.refs = nil
	l.latest = make(map[string]uint32)
	l.live = roaring.New()
	l.tailOff = 0
	l.tailHeader = nil
}

// tornTail reports whether a frame that failed validation can only be the
// remains of an interrupted final write: it reaches the end of the file, or
// its header was never written.
func tornTail(header []byte, frameEnd, end int64) bool {
	return frameEnd >= end || bytes.Equal(header, make([]byte, len(header)))
}

func (l *Log) apply(fr *record.Frame, base int64, header []byte) {
	for _, fe := range fr.Entries {
		ord := uint32(len(l.refs))
		l.refs = append(l.refs, entryRef{
			off:  base + int64(fe.Offset),
			n:    uint32(fe.Length),
			kind: fe.Entry.Kind,
		})

		prev, seen := l.latest[fe.Entry.ID]
		if seen {
			l.live.Remove(prev)
		}
		switch fe.Entry.Kind {
		case record.KindPut:
			l.latest[fe.Entry.ID] = ord
			l.live.Add(ord)
		case record.KindTombstone:
			if seen {
				l.latest[fe.Entry.ID] = ord
			}
		}
	}
	l.size = base + int64(fr.Size)
	l.lsn = fr.LSN
	l.tailOff = base
	l.tailHeader = append(l.tailHeader[:0], header[:record.FrameHeaderSize]...)
}

// Append writes entries as one frame and flushes it before returning.
// The caller must hold the write lease and have called Recover.
// On failure the file is rolled back and the index is unchanged. Handles
// that applied the frame before the rollback rebuild their index on their
// next refresh.
func (l *Log) Append(entries []*record.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	buf, err := record.EncodeFrame(l.lsn+1, entries, l.opts.Compression)
	if err != nil {
		return err
	}
	fr, err := record.DecodeFrame(buf)
	if err != nil {
		return err
	}

	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		_ = l.file.Truncate(l.size)
		return err
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Truncate(l.size)
		return err
	}

	l.apply(fr, l.size, buf)
	return nil
}

// Get returns the live entry for id.
func (l *Log) Get(id string) (*record.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	ord, ok := l.latest[id]
	if !ok || !l.live.Contains(ord) {
		return nil, ErrNotFound
	}
	return l.readLocked(l.refs[ord])
}

// GetMany returns the live entries for ids, in order, with nil for ids that
// have none. All ids are resolved against the same applied state, so the
// result never mixes entries from before and after a frame.
func (l *Log) GetMany(ids []string) ([]*record.Entry, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	refs := make([]*entryRef, len(ids))
	for i, id := range ids {
		if ord, ok := l.latest[id]; ok && l.live.Contains(ord) {
			ref := l.refs[ord]
			refs[i] = &ref
		}
	}
	l.mu.RUnlock()

	entries := make([]*record.Entry, len(ids))
	for i, ref := range refs {
		if ref == nil {
			continue
		}
		e, err := l.read(*ref)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// Contains reports whether id has a live entry.
func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ord, ok := l.latest[id]
	return ok && l.live.Contains(ord)
}

// Count returns the number of ids with a live entry.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.live.GetCardinality())
}

// Stats returns a snapshot of the log state.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Entries: len(l.refs),
		Live:    int(l.live.GetCardinality()),
		Size:    l.size,
		LSN:     l.lsn,
	}
}

// Scan yields the live entry of every id, ordered by the position of that
// entry in the log. Each call works on a snapshot of the live set taken when
// iteration starts; frames applied later are not observed.
func (l *Log) Scan() iter.Seq2[*record.Entry, error] {
	return func(yield func(*record.Entry, error) bool) {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		live := l.live.Clone()
		refs := l.refs
		l.mu.RUnlock()

		it := live.Iterator()
		for it.HasNext() {
			e, err := l.read(refs[it.Next()])
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// read decodes the entry at ref, holding the lock only for the file read.
func (l *Log) read(ref entryRef) (*record.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.readLocked(ref)
}

func (l *Log) readLocked(ref entryRef) (*record.Entry, error) {
	buf := make([]byte, ref.n)
	if _, err := l.file.ReadAt(buf, ref.off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s at offset %d: %w: entry past end of file", l.path, ref.off, record.ErrCorrupt)
		}
		return nil, err
	}
	e, err := record.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s at offset %d: %w", l.path, ref.off, err)
	}
	return e, nil
}

// CopyTo writes the bytes of all applied frames, header included, to w.
func (l *Log) CopyTo(w io.Writer) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	return io.Copy(w, io.NewSectionReader(l.file, 0, l.size))
}

// Close releases the file handle. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
