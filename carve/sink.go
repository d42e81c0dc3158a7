package carve

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/lvdlvd/extcarve/fsys"
)

// Record is one carved file.
type Record struct {
	Ino     uint32 // ext2 inode number, as directory entries use it
	Index   uint32 // 0-based position in the inode tables
	Name    string // empty when no directory entry was found
	Size    uint64 // size the inode declares
	Links   uint16
	UID     uint32
	Extents []fsys.Extent
	Length  int64 // bytes actually reconstructed
	Content io.ReaderAt
}

// Reader returns a fresh reader over the reconstructed content.
func (r *Record) Reader() io.Reader {
	return io.NewSectionReader(r.Content, 0, r.Length)
}

// Sink receives the records of a scan.
type Sink interface {
	Emit(rec *Record) error
}

// MemorySink keeps every record together with its content.
type MemorySink struct {
	Records []*Record
	Data    [][]byte
}

func (m *MemorySink) Emit(rec *Record) error {
	data, err := io.ReadAll(rec.Reader())
	if err != nil {
		return err
	}
	m.Records = append(m.Records, rec)
	m.Data = append(m.Data, data)
	return nil
}

// ListSink prints one line per record.
type ListSink struct {
	w    *tabwriter.Writer
	long bool
}

// NewListSink writes to w. With long set, links, uid and the extent list
// are printed too. Call Flush when the scan is done.
func NewListSink(w io.Writer, long bool) *ListSink {
	return &ListSink{w: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0), long: long}
}

func (l *ListSink) Emit(rec *Record) error {
	name := rec.Name
	if name == "" {
		name = "-"
	}
	var err error
	if l.long {
		_, err = fmt.Fprintf(l.w, "%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			rec.Ino, rec.Size, rec.Length, rec.Links, rec.UID, name, formatExtents(rec.Extents))
	} else {
		_, err = fmt.Fprintf(l.w, "%d\t%d\t%s\n", rec.Ino, rec.Length, name)
	}
	return err
}

// Flush writes out the aligned table.
func (l *ListSink) Flush() error { return l.w.Flush() }

func formatExtents(extents []fsys.Extent) string {
	merged := fsys.MergeExtents(extents)
	s := ""
	for i, e := range merged {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d+%d", e.Physical, e.Length)
	}
	return s
}
