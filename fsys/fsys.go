// Package fsys maps reconstructed file content onto byte ranges of a raw
// image and reads it back through those mappings.
package fsys

import (
	"fmt"
	"io"
	"sort"
)

// Extent maps a run of a reconstructed file onto the image.
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// End returns the logical offset one past the extent.
func (e Extent) End() int64 { return e.Logical + e.Length }

// TotalLength sums the lengths of extents.
func TotalLength(extents []Extent) int64 {
	var n int64
	for _, e := range extents {
		n += e.Length
	}
	return n
}

// MergeExtents joins neighbours that are contiguous both logically and
// physically. The input must be sorted by logical offset.
func MergeExtents(extents []Extent) []Extent {
	if len(extents) <= 1 {
		return extents
	}

	merged := make([]Extent, 0, len(extents))
	current := extents[0]
	for _, e := range extents[1:] {
		if e.Logical == current.End() && e.Physical == current.Physical+current.Length {
			current.Length += e.Length
			continue
		}
		merged = append(merged, current)
		current = e
	}
	return append(merged, current)
}

// ExtentReaderAt presents the extents of one file over an underlying
// reader as a contiguous io.ReaderAt, without loading the file.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt creates a new ExtentReaderAt from a base reader and extents.
// If the base reader is itself an ExtentReaderAt, the extents are composed
// so reads go straight to the underlying reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})

	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// ComposeExtents takes outer extents (which map logical offsets to "physical"
// offsets in an inner coordinate space) and inner extents (which map that
// inner coordinate space to actual physical offsets), and returns composed
// extents that map directly from outer logical to actual physical.
// Parts of outer extents that fall into gaps of inner are dropped.
func ComposeExtents(outer, inner []Extent) []Extent {
	var composed []Extent

	for _, o := range outer {
		for _, i := range inner {
			// Overlap of [o.Physical, o.Physical+o.Length) with i's logical span.
			lo := max64(o.Physical, i.Logical)
			hi := min64(o.Physical+o.Length, i.End())
			if lo >= hi {
				continue
			}
			composed = append(composed, Extent{
				Logical:  o.Logical + (lo - o.Physical),
				Physical: i.Physical + (lo - i.Logical),
				Length:   hi - lo,
			})
		}
	}

	sort.Slice(composed, func(a, b int) bool {
		return composed[a].Logical < composed[b].Logical
	})
	return composed
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the (composed) extents the reader serves.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// BaseReader returns the reader the extents point into.
func (e *ExtentReaderAt) BaseReader() io.ReaderAt {
	return e.r
}

// ReadAt implements io.ReaderAt. Logical gaps between extents read as
// zeros.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}

	short := false
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
		short = true
	}

	for n < len(p) {
		pos := off + int64(n)
		ext, found := e.findExtent(pos)
		if !found {
			gap := e.nextExtentStart(pos) - pos
			if rest := int64(len(p) - n); gap > rest {
				gap = rest
			}
			clear(p[n : n+int(gap)])
			n += int(gap)
			continue
		}

		inExtent := pos - ext.Logical
		toRead := ext.Length - inExtent
		if rest := int64(len(p) - n); toRead > rest {
			toRead = rest
		}

		nr, err := e.r.ReadAt(p[n:n+int(toRead)], ext.Physical+inExtent)
		n += nr
		if err != nil && err != io.EOF {
			return n, err
		}
		if int64(nr) < toRead {
			return n, io.ErrUnexpectedEOF
		}
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// findExtent finds the extent containing the given logical offset
func (e *ExtentReaderAt) findExtent(off int64) (Extent, bool) {
	i := sort.Search(len(e.extents), func(i int) bool {
		return e.extents[i].End() > off
	})
	if i < len(e.extents) && e.extents[i].Logical <= off {
		return e.extents[i], true
	}
	return Extent{}, false
}

// nextExtentStart returns the start of the next extent after the given offset
func (e *ExtentReaderAt) nextExtentStart(off int64) int64 {
	for _, ext := range e.extents {
		if ext.Logical > off {
			return min64(ext.Logical, e.size)
		}
	}
	return e.size
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
