package carve

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/lvdlvd/extcarve/fsys"
	"github.com/lvdlvd/extcarve/fsys/ext"
)

// NameFinder maps an inode number to a directory entry name.
type NameFinder interface {
	FindName(ino uint32) (name string, found bool, err error)
}

// Stats summarises one scan.
type Stats struct {
	Inodes      int // slots visited
	Regular     int // regular files among them
	Skipped     int // regular files with an extent tree
	Matched     int // signature matches
	Emitted     int // records accepted by the sink
	Unnamed     int // emitted without a name
	NameFailed  int // name lookups that hit a read error
	Failed      int // inodes dropped after a read error
	BytesCarved int64
}

// Scanner walks the inode tables of FS and emits every regular file whose
// content starts with Signature.
type Scanner struct {
	FS        *ext.Reader
	Names     NameFinder
	Signature Signature
	Log       *zap.SugaredLogger
}

// NewScanner returns a JPEG scanner over fs that looks names up in the
// filesystem's own directories.
func NewScanner(fs *ext.Reader, log *zap.SugaredLogger) *Scanner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scanner{
		FS:        fs,
		Names:     ext.NewNameResolver(fs),
		Signature: JPEG,
		Log:       log,
	}
}

// Scan visits every inode once, in table order. Read errors confined to
// one inode are logged and counted; the scan carries on. Errors locating
// or reading an inode table, and errors from the sink other than a
// *ContentError, end the scan.
func (s *Scanner) Scan(sink Sink) (Stats, error) {
	var stats Stats
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sig := s.Signature
	if sig.Len() == 0 {
		sig = JPEG
	}
	res := ext.NewResolver(s.FS)

	err := s.FS.WalkInodes(func(ref ext.InodeRef, ino *ext.Inode) error {
		stats.Inodes++
		if !ino.IsRegular() {
			return nil
		}
		stats.Regular++
		if ino.UsesExtents() {
			log.Debugw("skipping extent-mapped inode", "ino", ref.Ino())
			stats.Skipped++
			return nil
		}

		matched, err := s.sniff(res, sig, ino)
		if err != nil {
			log.Warnw("reading file header", "ino", ref.Ino(), "error", err)
			stats.Failed++
			return nil
		}
		if !matched {
			return nil
		}
		stats.Matched++

		extents, err := res.Extents(*ino)
		if err != nil {
			log.Warnw("resolving blocks", "ino", ref.Ino(), "error", err)
			stats.Failed++
			return nil
		}
		rec := newRecord(ref, ino, extents, s.FS.BaseReader())

		if s.Names != nil {
			name, found, err := s.Names.FindName(ref.Ino())
			switch {
			case err != nil:
				log.Warnw("looking up name", "ino", ref.Ino(), "error", err)
				stats.NameFailed++
			case found:
				rec.Name = name
			}
		}
		if rec.Name == "" {
			stats.Unnamed++
		}

		if err := sink.Emit(rec); err != nil {
			var ce *ContentError
			if errors.As(err, &ce) {
				log.Warnw("reading file content", "ino", ref.Ino(), "error", err)
				stats.Failed++
				return nil
			}
			return fmt.Errorf("emitting inode %d: %w", ref.Ino(), err)
		}
		log.Debugw("carved", "ino", ref.Ino(), "name", rec.Name, "length", rec.Length, "extents", len(rec.Extents))
		stats.Emitted++
		stats.BytesCarved += rec.Length
		return nil
	})
	return stats, err
}

// sniff reads the head of the first content range and tests it. Only the
// first range is touched, so pointer blocks of non-matching files are
// never read unless their data starts behind one.
func (s *Scanner) sniff(res *ext.Resolver, sig Signature, ino *ext.Inode) (bool, error) {
	first, ok, err := res.First(*ino)
	if err != nil || !ok {
		return false, err
	}
	n := int64(sig.Len())
	if first.Length < n {
		n = first.Length
	}
	head := make([]byte, n)
	if _, err := s.FS.BaseReader().ReadAt(head, first.Physical); err != nil && err != io.EOF {
		return false, err
	}
	return sig.Match(head), nil
}

// ContentError marks a failure reading a record's content from the
// image, as opposed to a failure of the sink itself.
type ContentError struct {
	Ino uint32
	Err error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("inode %d content: %v", e.Ino, e.Err)
}

func (e *ContentError) Unwrap() error { return e.Err }

// contentReader tags read errors with the inode they belong to.
type contentReader struct {
	ino uint32
	r   io.ReaderAt
}

func (c contentReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.r.ReadAt(p, off)
	if err != nil && err != io.EOF {
		err = &ContentError{Ino: c.ino, Err: err}
	}
	return n, err
}

func newRecord(ref ext.InodeRef, ino *ext.Inode, extents []fsys.Extent, base io.ReaderAt) *Record {
	length := fsys.TotalLength(extents)
	return &Record{
		Ino:     ref.Ino(),
		Index:   ref.Index,
		Size:    ino.Size,
		Links:   ino.LinksCount,
		UID:     ino.UID,
		Extents: extents,
		Length:  length,
		Content: contentReader{ino: ref.Ino(), r: fsys.NewExtentReaderAt(base, extents, length)},
	}
}
