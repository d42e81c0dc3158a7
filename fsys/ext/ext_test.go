package ext_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lvdlvd/extcarve/fsys"
	"github.com/lvdlvd/extcarve/fsys/ext"
	"github.com/lvdlvd/extcarve/fsys/ext/exttest"
)

func TestOpenSuperblock(t *testing.T) {
	b := exttest.New(exttest.DefaultOptions())
	f, err := ext.Open(b.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sb := f.Superblock()
	if got := sb.GroupCount(); got != 2 {
		t.Errorf("GroupCount() = %d, want 2", got)
	}
	if got := f.BlockSize(); got != 1024 {
		t.Errorf("BlockSize() = %d, want 1024", got)
	}
	if got := sb.Label(); got != "exttest" {
		t.Errorf("Label() = %q, want exttest", got)
	}
	if got := f.Type(); got != "ext2" {
		t.Errorf("Type() = %q, want ext2", got)
	}
}

func TestOpenRejectsImplausibleSuperblock(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		value  uint32
		size   int
		field  string
	}{
		{name: "bad magic", offset: 0x38, value: 0x1234, size: 2, field: "magic"},
		{name: "huge block size", offset: 0x18, value: 12, size: 4, field: "log_block_size"},
		{name: "zero blocks per group", offset: 0x20, value: 0, size: 4, field: "blocks_per_group"},
		{name: "zero inodes per group", offset: 0x28, value: 0, size: 4, field: "inodes_per_group"},
		{name: "blocks per group above bitmap", offset: 0x20, value: 8193, size: 4, field: "blocks_per_group"},
		{name: "odd inode size", offset: 0x58, value: 200, size: 2, field: "inode_size"},
		{name: "too many inodes", offset: 0x00, value: 65, size: 4, field: "inodes_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := exttest.New(exttest.DefaultOptions())
			b.SetSuperblockField(tt.offset, tt.value, tt.size)

			_, err := ext.Open(b.Reader())
			var se *ext.StructureError
			if !errors.As(err, &se) {
				t.Fatalf("Open() error = %v, want StructureError", err)
			}
			if se.Field != tt.field {
				t.Errorf("StructureError.Field = %q, want %q", se.Field, tt.field)
			}
		})
	}
}

func TestGroupDescriptorOutsideFilesystem(t *testing.T) {
	b := exttest.New(exttest.DefaultOptions())
	b.SetInodeTable(1, 5000)
	f, err := ext.Open(b.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = f.GroupDescriptor(1)
	var se *ext.StructureError
	if !errors.As(err, &se) {
		t.Fatalf("GroupDescriptor(1) error = %v, want StructureError", err)
	}
	if _, err := f.GroupDescriptor(0); err != nil {
		t.Errorf("GroupDescriptor(0): %v", err)
	}
}

func TestDecodeInodeHighFields(t *testing.T) {
	b := exttest.New(exttest.DefaultOptions())
	b.SetInode(3, exttest.Inode{Mode: exttest.ModeRegular, UID: 70000, Size: 5 << 32, Links: 2})
	f, err := ext.Open(b.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ino, err := f.Inode(3)
	if err != nil {
		t.Fatalf("Inode(3): %v", err)
	}
	if ino.UID != 70000 || ino.Size != 5<<32 || ino.LinksCount != 2 || !ino.IsRegular() {
		t.Errorf("Inode(3) = %+v", ino)
	}
	if _, err := f.Inode(0); err == nil {
		t.Error("Inode(0) did not fail")
	}
}

func TestReadBlockRefusesBlockZero(t *testing.T) {
	f, err := ext.Open(exttest.New(exttest.DefaultOptions()).Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.ReadBlock(0); err == nil {
		t.Error("ReadBlock(0) did not fail")
	}
	if _, err := f.ReadBlock(1 << 20); err == nil {
		t.Error("ReadBlock past the end did not fail")
	}
}

// truncatedReader fails every read past limit.
type truncatedReader struct {
	r     io.ReaderAt
	limit int64
}

func (t truncatedReader) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > t.limit {
		return 0, errors.New("read past truncation point")
	}
	return t.r.ReadAt(p, off)
}

func TestWalkInodesNumbering(t *testing.T) {
	opts := exttest.DefaultOptions()
	b := exttest.New(opts)
	b.AddFile(1, []byte("first"))
	b.AddFile(opts.InodesPerGroup+2, []byte("second group"))

	f, err := ext.Open(b.Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var refs []ext.InodeRef
	var sizes []uint64
	err = f.WalkInodes(func(ref ext.InodeRef, ino *ext.Inode) error {
		refs = append(refs, ref)
		if ino.Size != 0 {
			sizes = append(sizes, ino.Size)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkInodes: %v", err)
	}

	if got, want := len(refs), int(2*opts.InodesPerGroup); got != want {
		t.Fatalf("visited %d slots, want %d", got, want)
	}
	for i, ref := range refs {
		want := ext.InodeRef{Index: uint32(i), Group: uint32(i) / opts.InodesPerGroup, Slot: uint32(i) % opts.InodesPerGroup}
		if ref != want {
			t.Fatalf("refs[%d] = %+v, want %+v", i, ref, want)
		}
	}
	if diff := cmp.Diff([]uint64{5, 12}, sizes); diff != "" {
		t.Errorf("sizes mismatch (-want +got):\n%s", diff)
	}
	if got := refs[opts.InodesPerGroup+1].Ino(); got != opts.InodesPerGroup+2 {
		t.Errorf("Ino() = %d, want %d", got, opts.InodesPerGroup+2)
	}
}

func TestWalkInodesStop(t *testing.T) {
	f, err := ext.Open(exttest.New(exttest.DefaultOptions()).Reader())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n := 0
	err = f.WalkInodes(func(ext.InodeRef, *ext.Inode) error {
		n++
		if n == 3 {
			return ext.ErrStop
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Errorf("WalkInodes = %v after %d slots, want nil after 3", err, n)
	}
}

func TestWalkInodesUnreadableTable(t *testing.T) {
	b := exttest.New(exttest.DefaultOptions())
	img := b.Bytes()
	limit := int64(b.InodeTableBlock(1)) * int64(b.BlockSize())
	f, err := ext.Open(truncatedReader{r: bytes.NewReader(img), limit: limit})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seen := 0
	err = f.WalkInodes(func(ext.InodeRef, *ext.Inode) error {
		seen++
		return nil
	})
	if err == nil {
		t.Fatal("WalkInodes did not fail on an unreadable inode table")
	}
	if seen != 32 {
		t.Errorf("visited %d slots before failing, want 32", seen)
	}
}

func readAll(t *testing.T, r io.ReaderAt, extents []fsys.Extent) []byte {
	t.Helper()
	er := fsys.NewExtentReaderAt(r, extents, fsys.TotalLength(extents))
	data, err := io.ReadAll(io.NewSectionReader(er, 0, er.Size()))
	if err != nil {
		t.Fatalf("reading extents: %v", err)
	}
	return data
}

func TestResolverRoundTrip(t *testing.T) {
	opts := exttest.DefaultOptions()
	opts.Groups = 1
	opts.BlocksPerGroup = 2048
	opts.InodesPerGroup = 16

	tests := []struct {
		name string
		size int
	}{
		{name: "empty", size: 0},
		{name: "partial block", size: 700},
		{name: "direct only", size: 12 * 1024},
		{name: "single indirect", size: 20*1024 + 13},
		{name: "double indirect", size: (12+256+7)*1024 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := exttest.New(opts)
			data := exttest.JPEG(tt.size, 0xE0)[:tt.size]
			in := b.AddFile(5, data)

			f, err := ext.Open(b.Reader())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			ino, err := f.Inode(5)
			if err != nil {
				t.Fatalf("Inode: %v", err)
			}
			if ino.Block != in.Block {
				t.Fatalf("block array = %v, want %v", ino.Block, in.Block)
			}

			extents, err := ext.NewResolver(f).Extents(ino)
			if err != nil {
				t.Fatalf("Extents: %v", err)
			}
			if got := fsys.TotalLength(extents); got != int64(tt.size) {
				t.Errorf("total length = %d, want %d", got, tt.size)
			}
			if got := readAll(t, b.Reader(), extents); !bytes.Equal(got, data) {
				t.Errorf("content mismatch")
			}
		})
	}
}

// pointerTable serves pointer blocks from a map and counts reads.
type pointerTable struct {
	blocks map[uint32][]uint32
	reads  []uint32
}

func (p *pointerTable) ReadPointers(block uint32) ([]uint32, error) {
	p.reads = append(p.reads, block)
	ptrs, ok := p.blocks[block]
	if !ok {
		return nil, errors.New("no such pointer block")
	}
	return ptrs, nil
}

func physicals(extents []fsys.Extent, bs int64) []int64 {
	var out []int64
	for _, e := range extents {
		out = append(out, e.Physical/bs)
	}
	return out
}

func TestResolverDirectOnlyReadsNoPointers(t *testing.T) {
	src := &pointerTable{}
	r := &ext.Resolver{Pointers: src, BlockSize: 1024}
	ino := ext.Inode{Size: 2500}
	ino.Block[0], ino.Block[1], ino.Block[2] = 100, 101, 200
	ino.Block[ext.IndBlock] = 999 // never reached: the size is used up

	extents, err := r.Extents(ino)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	want := []fsys.Extent{
		{Logical: 0, Physical: 100 * 1024, Length: 1024},
		{Logical: 1024, Physical: 101 * 1024, Length: 1024},
		{Logical: 2048, Physical: 200 * 1024, Length: 452},
	}
	if diff := cmp.Diff(want, extents); diff != "" {
		t.Errorf("Extents mismatch (-want +got):\n%s", diff)
	}
	if len(src.reads) != 0 {
		t.Errorf("read pointer blocks %v, want none", src.reads)
	}
}

func TestResolverSkipsZeroPointers(t *testing.T) {
	src := &pointerTable{blocks: map[uint32][]uint32{
		50: {0, 60, 0},       // double: hole, chain, hole
		60: {0, 300, 0, 301}, // single under the double
		70: {0, 0, 400},      // single
	}}
	r := &ext.Resolver{Pointers: src, BlockSize: 1024}
	ino := ext.Inode{Size: 10 * 1024}
	ino.Block[0] = 10
	ino.Block[5] = 11
	ino.Block[ext.IndBlock] = 70
	ino.Block[ext.DIndBlock] = 50

	extents, err := r.Extents(ino)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 11, 400, 300, 301}, physicals(extents, 1024)); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
	if got := fsys.TotalLength(extents); got != 5*1024 {
		t.Errorf("total length = %d, want %d", got, 5*1024)
	}
	for _, blk := range src.reads {
		if blk == 0 {
			t.Errorf("read pointer block 0")
		}
	}
}

func TestResolverTripleIndirect(t *testing.T) {
	src := &pointerTable{blocks: map[uint32][]uint32{
		80: {81},
		81: {82},
		82: {900, 901},
	}}
	r := &ext.Resolver{Pointers: src, BlockSize: 1024}
	ino := ext.Inode{Size: 1024 + 10}
	ino.Block[ext.TIndBlock] = 80

	extents, err := r.Extents(ino)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	want := []fsys.Extent{
		{Logical: 0, Physical: 900 * 1024, Length: 1024},
		{Logical: 1024, Physical: 901 * 1024, Length: 10},
	}
	if diff := cmp.Diff(want, extents); diff != "" {
		t.Errorf("Extents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{80, 81, 82}, src.reads); diff != "" {
		t.Errorf("pointer reads mismatch (-want +got):\n%s", diff)
	}
}

func TestResolverPointerReadFailure(t *testing.T) {
	r := &ext.Resolver{Pointers: &pointerTable{}, BlockSize: 1024}
	ino := ext.Inode{Size: 20 * 1024}
	ino.Block[0] = 10
	ino.Block[ext.IndBlock] = 77

	var got []fsys.Extent
	err := r.Walk(ino, func(e fsys.Extent) error {
		got = append(got, e)
		return nil
	})
	if err == nil {
		t.Fatal("Walk did not fail")
	}
	if len(got) != 1 {
		t.Errorf("got %d extents before failing, want 1", len(got))
	}
}

func TestResolverFirst(t *testing.T) {
	src := &pointerTable{}
	r := &ext.Resolver{Pointers: src, BlockSize: 1024}

	ino := ext.Inode{Size: 5000}
	ino.Block[0] = 0
	ino.Block[1] = 42
	ino.Block[2] = 43
	ino.Block[ext.IndBlock] = 99

	first, ok, err := r.First(ino)
	if err != nil || !ok {
		t.Fatalf("First() = %v, %v, %v", first, ok, err)
	}
	if want := (fsys.Extent{Logical: 0, Physical: 42 * 1024, Length: 1024}); first != want {
		t.Errorf("First() = %+v, want %+v", first, want)
	}
	if len(src.reads) != 0 {
		t.Errorf("First read pointer blocks %v", src.reads)
	}

	if _, ok, err := r.First(ext.Inode{}); ok || err != nil {
		t.Errorf("First(empty) = %v, %v; want no extent", ok, err)
	}
}

func TestResolverBlocksIgnoresSize(t *testing.T) {
	src := &pointerTable{blocks: map[uint32][]uint32{70: {0, 500, 501}}}
	r := &ext.Resolver{Pointers: src, BlockSize: 1024}
	ino := ext.Inode{Size: 1}
	ino.Block[0] = 7
	ino.Block[3] = 8
	ino.Block[ext.IndBlock] = 70

	var blocks []uint32
	if err := r.Blocks(ino, func(b uint32) error {
		blocks = append(blocks, b)
		return nil
	}); err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if diff := cmp.Diff([]uint32{7, 8, 500, 501}, blocks); diff != "" {
		t.Errorf("Blocks mismatch (-want +got):\n%s", diff)
	}
}
