// Package exttest builds small synthetic ext2 images in memory for tests.
//
// The images carry exactly what a metadata walker reads: a superblock, a
// group descriptor table, one inode table per group, directory blocks and
// block-pointer trees. Bitmaps are allocated but left empty.
package exttest

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Mode bits for Inode.Mode.
const (
	ModeRegular = 0x8000 | 0o644
	ModeDir     = 0x4000 | 0o755
	ModeSymlink = 0xA000 | 0o777

	FlagExtents = 0x00080000
)

// Directory entry file types.
const (
	TypeRegular = 1
	TypeDir     = 2
)

// Options sizes the image.
type Options struct {
	BlockSize      uint32 // 1024, 2048, 4096...
	BlocksPerGroup uint32
	InodesPerGroup uint32
	Groups         uint32
	InodeSize      uint16
	RevLevel       uint32
	Label          string
}

// DefaultOptions is a 1KiB-block image with two groups.
func DefaultOptions() Options {
	return Options{
		BlockSize:      1024,
		BlocksPerGroup: 1024,
		InodesPerGroup: 32,
		Groups:         2,
		InodeSize:      128,
		RevLevel:       1,
		Label:          "exttest",
	}
}

// Inode is the part of an inode record the builder writes.
type Inode struct {
	Mode  uint16
	UID   uint32
	GID   uint32
	Size  uint64
	Links uint16
	Flags uint32
	Block [15]uint32
}

// Entry is a directory entry to pack into a directory block.
type Entry struct {
	Ino      uint32
	Name     string
	FileType uint8
}

// Builder lays out an image. Data blocks are handed out group by group.
type Builder struct {
	opts           Options
	firstDataBlock uint32
	img            []byte
	tables         []uint32 // inode table start block per group
	next           []uint32 // next free data block per group
}

// New returns a Builder with superblock and descriptors already written.
func New(opts Options) *Builder {
	b := &Builder{opts: opts}
	if opts.BlockSize == 1024 {
		b.firstDataBlock = 1
	}
	total := b.firstDataBlock + opts.Groups*opts.BlocksPerGroup
	b.img = make([]byte, int(total)*int(opts.BlockSize))

	tableBlocks := (opts.InodesPerGroup*uint32(opts.InodeSize) + opts.BlockSize - 1) / opts.BlockSize
	descBlocks := (opts.Groups*32 + opts.BlockSize - 1) / opts.BlockSize

	for g := uint32(0); g < opts.Groups; g++ {
		start := b.firstDataBlock + g*opts.BlocksPerGroup
		meta := start
		if g == 0 {
			meta += 1 + descBlocks // superblock, descriptor table
		}
		blockBitmap, inodeBitmap, table := meta, meta+1, meta+2
		b.tables = append(b.tables, table)
		b.next = append(b.next, table+tableBlocks)

		desc := b.img[b.offset(b.firstDataBlock+1)+int(g)*32:]
		binary.LittleEndian.PutUint32(desc[0x00:], blockBitmap)
		binary.LittleEndian.PutUint32(desc[0x04:], inodeBitmap)
		binary.LittleEndian.PutUint32(desc[0x08:], table)
	}

	b.writeSuperblock(total)
	return b
}

func (b *Builder) offset(block uint32) int {
	return int(block) * int(b.opts.BlockSize)
}

func (b *Builder) writeSuperblock(total uint32) {
	sb := b.img[1024:2048]
	logBlockSize := uint32(0)
	for bs := b.opts.BlockSize; bs > 1024; bs >>= 1 {
		logBlockSize++
	}
	binary.LittleEndian.PutUint32(sb[0x00:], b.opts.InodesPerGroup*b.opts.Groups)
	binary.LittleEndian.PutUint32(sb[0x04:], total)
	binary.LittleEndian.PutUint32(sb[0x14:], b.firstDataBlock)
	binary.LittleEndian.PutUint32(sb[0x18:], logBlockSize)
	binary.LittleEndian.PutUint32(sb[0x20:], b.opts.BlocksPerGroup)
	binary.LittleEndian.PutUint32(sb[0x28:], b.opts.InodesPerGroup)
	binary.LittleEndian.PutUint16(sb[0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x3A:], 1)
	binary.LittleEndian.PutUint32(sb[0x4C:], b.opts.RevLevel)
	binary.LittleEndian.PutUint32(sb[0x54:], 11)
	binary.LittleEndian.PutUint16(sb[0x58:], b.opts.InodeSize)
	copy(sb[0x68:0x78], []byte{0x6b, 0x1e, 0x4a, 0x3c, 0x9f, 0x52, 0x4e, 0x11, 0x8a, 0x07, 0x5d, 0x2f, 0x90, 0xc4, 0x33, 0xe1})
	copy(sb[0x78:0x88], b.opts.Label)
}

// SetSuperblockField overwrites a little-endian superblock field, for
// building broken images.
func (b *Builder) SetSuperblockField(offset int, value uint32, size int) {
	field := b.img[1024+offset:]
	switch size {
	case 2:
		binary.LittleEndian.PutUint16(field, uint16(value))
	default:
		binary.LittleEndian.PutUint32(field, value)
	}
}

// SetInodeTable points group g's descriptor at another inode table block.
func (b *Builder) SetInodeTable(g, block uint32) {
	desc := b.img[b.offset(b.firstDataBlock+1)+int(g)*32:]
	binary.LittleEndian.PutUint32(desc[0x08:], block)
}

// BlockSize returns the block size of the image.
func (b *Builder) BlockSize() uint32 { return b.opts.BlockSize }

// InodeTableBlock returns the first block of group g's inode table.
func (b *Builder) InodeTableBlock(g uint32) uint32 { return b.tables[g] }

// Alloc hands out the next free data block, starting in group g and
// moving on when a group fills up.
func (b *Builder) Alloc(g uint32) uint32 {
	for ; g < b.opts.Groups; g++ {
		end := b.firstDataBlock + (g+1)*b.opts.BlocksPerGroup
		if b.next[g] < end {
			blk := b.next[g]
			b.next[g]++
			return blk
		}
	}
	panic("exttest: image full")
}

// WriteBlock copies data (at most one block) into block.
func (b *Builder) WriteBlock(block uint32, data []byte) {
	if len(data) > int(b.opts.BlockSize) {
		panic(fmt.Sprintf("exttest: %d bytes do not fit a block", len(data)))
	}
	copy(b.img[b.offset(block):], data)
}

// WritePointers writes a pointer block and returns its number.
func (b *Builder) WritePointers(g uint32, ptrs []uint32) uint32 {
	blk := b.Alloc(g)
	buf := make([]byte, b.opts.BlockSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	b.WriteBlock(blk, buf)
	return blk
}

// SetInode writes the record of inode ino (1-based).
func (b *Builder) SetInode(ino uint32, in Inode) {
	g := (ino - 1) / b.opts.InodesPerGroup
	slot := (ino - 1) % b.opts.InodesPerGroup
	rec := b.img[b.offset(b.tables[g])+int(slot)*int(b.opts.InodeSize):]

	binary.LittleEndian.PutUint16(rec[0x00:], in.Mode)
	binary.LittleEndian.PutUint16(rec[0x02:], uint16(in.UID))
	binary.LittleEndian.PutUint32(rec[0x04:], uint32(in.Size))
	binary.LittleEndian.PutUint16(rec[0x18:], uint16(in.GID))
	binary.LittleEndian.PutUint16(rec[0x1A:], in.Links)
	binary.LittleEndian.PutUint32(rec[0x20:], in.Flags)
	for i, p := range in.Block {
		binary.LittleEndian.PutUint32(rec[0x28+4*i:], p)
	}
	binary.LittleEndian.PutUint32(rec[0x6C:], uint32(in.Size>>32))
	binary.LittleEndian.PutUint16(rec[0x78:], uint16(in.UID>>16))
	binary.LittleEndian.PutUint16(rec[0x7A:], uint16(in.GID>>16))
}

// Group returns the block group inode ino lives in.
func (b *Builder) Group(ino uint32) uint32 {
	return (ino - 1) / b.opts.InodesPerGroup
}

// PlaceData writes data into freshly allocated blocks and returns the
// block pointer array that addresses them, building single, double and
// triple indirect trees as needed.
func (b *Builder) PlaceData(g uint32, data []byte) [15]uint32 {
	bs := int(b.opts.BlockSize)
	var blocks []uint32
	for off := 0; off < len(data); off += bs {
		end := off + bs
		if end > len(data) {
			end = len(data)
		}
		blk := b.Alloc(g)
		b.WriteBlock(blk, data[off:end])
		blocks = append(blocks, blk)
	}
	return b.Pointers(g, blocks)
}

// Pointers builds the block array for an ordered list of content blocks.
// Zero entries are kept as holes.
func (b *Builder) Pointers(g uint32, blocks []uint32) [15]uint32 {
	var arr [15]uint32
	n := copy(arr[:12], blocks)
	rest := blocks[n:]
	for level := 1; level <= 3 && len(rest) > 0; level++ {
		arr[11+level], rest = b.tree(g, level, rest)
	}
	if len(rest) > 0 {
		panic("exttest: file too large")
	}
	return arr
}

// tree packs as many blocks as one pointer tree of the given depth holds
// and returns its root and the blocks left over.
func (b *Builder) tree(g uint32, level int, blocks []uint32) (uint32, []uint32) {
	per := int(b.opts.BlockSize / 4)
	var ptrs []uint32
	for len(ptrs) < per && len(blocks) > 0 {
		if level == 1 {
			ptrs = append(ptrs, blocks[0])
			blocks = blocks[1:]
			continue
		}
		var child uint32
		child, blocks = b.tree(g, level-1, blocks)
		ptrs = append(ptrs, child)
	}
	return b.WritePointers(g, ptrs), blocks
}

// AddFile stores a regular file as inode ino and returns its record.
func (b *Builder) AddFile(ino uint32, data []byte) Inode {
	in := Inode{
		Mode:  ModeRegular,
		UID:   1000,
		GID:   1000,
		Size:  uint64(len(data)),
		Links: 1,
		Block: b.PlaceData(b.Group(ino), data),
	}
	b.SetInode(ino, in)
	return in
}

// DirBlock packs entries into one directory block. Each record takes
// round_up_4(8+len(name)) bytes and the last one stretches to the end of
// the block.
func (b *Builder) DirBlock(entries []Entry) []byte {
	buf := make([]byte, b.opts.BlockSize)
	off := 0
	for i, e := range entries {
		span := (8 + len(e.Name) + 3) &^ 3
		recLen := span
		if i == len(entries)-1 {
			recLen = len(buf) - off
		}
		binary.LittleEndian.PutUint32(buf[off:], e.Ino)
		binary.LittleEndian.PutUint16(buf[off+4:], uint16(recLen))
		buf[off+6] = uint8(len(e.Name))
		buf[off+7] = e.FileType
		copy(buf[off+8:], e.Name)
		off += span
	}
	return buf
}

// AddDir stores a directory inode whose entries fill one or more blocks.
func (b *Builder) AddDir(ino uint32, blocks ...[]Entry) Inode {
	g := b.Group(ino)
	var ptrs []uint32
	for _, entries := range blocks {
		blk := b.Alloc(g)
		b.WriteBlock(blk, b.DirBlock(entries))
		ptrs = append(ptrs, blk)
	}
	in := Inode{
		Mode:  ModeDir,
		Size:  uint64(len(blocks)) * uint64(b.opts.BlockSize),
		Links: 2,
		Block: b.Pointers(g, ptrs),
	}
	b.SetInode(ino, in)
	return in
}

// Bytes returns the image.
func (b *Builder) Bytes() []byte { return b.img }

// Reader returns a reader over the image.
func (b *Builder) Reader() *bytes.Reader { return bytes.NewReader(b.img) }

// JPEG returns n bytes that start with the given APPn marker (0xE0, 0xE1
// or 0xE8) and continue with a recognisable pattern.
func JPEG(n int, marker byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	copy(data, []byte{0xFF, 0xD8, 0xFF, marker})
	return data
}
