package ext

import (
	"errors"
	"fmt"

	"github.com/lvdlvd/extcarve/fsys"
)

// Indirection levels below the direct pointers.
const (
	levelSingle = 1
	levelDouble = 2
	levelTriple = 3
)

// PointerSource reads the block numbers held by an indirect block.
type PointerSource interface {
	ReadPointers(block uint32) ([]uint32, error)
}

// Resolver turns an inode's block pointers into the ordered byte ranges
// of its content.
type Resolver struct {
	Pointers  PointerSource
	BlockSize uint32
}

// NewResolver returns a Resolver reading pointer blocks from f.
func NewResolver(f *Reader) *Resolver {
	return &Resolver{Pointers: f, BlockSize: f.BlockSize()}
}

// budget is the number of content bytes still owed. A negative remaining
// count never runs out.
type budget struct {
	remaining int64
	produced  int64
}

func (b *budget) done() bool { return b.remaining == 0 }

func (b *budget) take(blockSize int64) int64 {
	n := blockSize
	if b.remaining >= 0 && b.remaining < n {
		n = b.remaining
	}
	if b.remaining > 0 {
		b.remaining -= n
	}
	b.produced += n
	return n
}

// emitFunc receives one content block and how many of its bytes belong to
// the file.
type emitFunc func(block uint32, length int64) error

// Walk calls fn with the content ranges of ino in file order. The lengths
// add up to the inode size, or less when fewer blocks are allocated. Zero
// pointers are holes: they are skipped and cost nothing. fn may return
// ErrStop.
func (r *Resolver) Walk(ino Inode, fn func(fsys.Extent) error) error {
	b := &budget{remaining: int64(ino.Size)}
	bs := int64(r.BlockSize)
	err := r.walk(&ino, b, func(block uint32, length int64) error {
		return fn(fsys.Extent{
			Logical:  b.produced - length,
			Physical: int64(block) * bs,
			Length:   length,
		})
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// Extents collects the ranges produced by Walk.
func (r *Resolver) Extents(ino Inode) ([]fsys.Extent, error) {
	var extents []fsys.Extent
	err := r.Walk(ino, func(e fsys.Extent) error {
		extents = append(extents, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return extents, nil
}

// First returns the first content range of ino, without touching any
// block past it.
func (r *Resolver) First(ino Inode) (fsys.Extent, bool, error) {
	var first fsys.Extent
	found := false
	err := r.Walk(ino, func(e fsys.Extent) error {
		first, found = e, true
		return ErrStop
	})
	return first, found, err
}

// Blocks calls fn with every allocated content block of ino, whatever its
// size says. Directories are scanned this way, a whole block at a time.
func (r *Resolver) Blocks(ino Inode, fn func(block uint32) error) error {
	b := &budget{remaining: -1}
	err := r.walk(&ino, b, func(block uint32, _ int64) error {
		return fn(block)
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func (r *Resolver) walk(ino *Inode, b *budget, emit emitFunc) error {
	for i := 0; i < NumDirect && !b.done(); i++ {
		if err := r.content(ino.Block[i], b, emit); err != nil {
			return err
		}
	}

	for level := levelSingle; level <= levelTriple && !b.done(); level++ {
		if err := r.indirect(ino.Block[IndBlock+level-1], level, b, emit); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) content(block uint32, b *budget, emit emitFunc) error {
	if block == 0 || b.done() {
		return nil
	}
	return emit(block, b.take(int64(r.BlockSize)))
}

// indirect follows one pointer block. At level 1 its entries are content
// blocks; above that each entry is the root of a chain one level shorter.
func (r *Resolver) indirect(block uint32, level int, b *budget, emit emitFunc) error {
	if level < levelSingle || level > levelTriple || block == 0 || b.done() {
		return nil
	}

	ptrs, err := r.Pointers.ReadPointers(block)
	if err != nil {
		return fmt.Errorf("reading level %d indirect block %d: %w", level, block, err)
	}
	if per := int(r.BlockSize / 4); len(ptrs) > per {
		ptrs = ptrs[:per]
	}

	for _, ptr := range ptrs {
		if b.done() {
			break
		}
		if ptr == 0 {
			continue
		}
		if level == levelSingle {
			err = r.content(ptr, b, emit)
		} else {
			err = r.indirect(ptr, level-1, b, emit)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
