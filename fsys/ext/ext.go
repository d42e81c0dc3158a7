// Package ext reads ext2 on-disk structures directly from a raw image.
//
// It decodes the superblock, group descriptors and inodes, resolves an
// inode's direct and indirect block pointers into physical byte ranges,
// walks the inode tables of every block group and scans directory blocks
// to map an inode number back to a name. Nothing is ever written to the
// image.
package ext

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	// Block size is 1024 << s_log_block_size; anything above 64KiB is
	// not a filesystem we can trust.
	maxLogBlockSize = 6

	minInodeSize    = 128
	groupDescSize   = 32
	groupDesc64Size = 64

	// Inode flags
	inodeFlagExtents = 0x00080000

	// Feature flags
	featureIncompatExtents  = 0x0040
	featureIncompat64Bit    = 0x0080
	featureCompatHasJournal = 0x0004

	revLevelStatic = 0
)

// Block pointer layout of an inode.
const (
	NumDirect        = 12
	IndBlock         = 12
	DIndBlock        = 13
	TIndBlock        = 14
	NumBlockPointers = 15
)

const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeRegular  = 0x8000
	modeSymlink  = 0xA000
)

// Superblock holds the filesystem-wide parameters.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	MTime           uint32
	WTime           uint32
	Magic           uint16
	State           uint16
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            [16]byte
	VolumeName      [16]byte
	DescSize        uint16
}

// DecodeSuperblock decodes a superblock from the 1024 bytes found at byte
// offset 1024 of the image. It does not validate the result.
func DecodeSuperblock(data []byte) (Superblock, error) {
	if len(data) < superblockSize {
		return Superblock{}, fmt.Errorf("superblock: short buffer (%d bytes)", len(data))
	}

	var sb Superblock
	sb.InodesCount = binary.LittleEndian.Uint32(data[0x00:0x04])
	sb.BlocksCount = binary.LittleEndian.Uint32(data[0x04:0x08])
	sb.FreeBlocksCount = binary.LittleEndian.Uint32(data[0x0C:0x10])
	sb.FreeInodesCount = binary.LittleEndian.Uint32(data[0x10:0x14])
	sb.FirstDataBlock = binary.LittleEndian.Uint32(data[0x14:0x18])
	sb.LogBlockSize = binary.LittleEndian.Uint32(data[0x18:0x1C])
	sb.BlocksPerGroup = binary.LittleEndian.Uint32(data[0x20:0x24])
	sb.InodesPerGroup = binary.LittleEndian.Uint32(data[0x28:0x2C])
	sb.MTime = binary.LittleEndian.Uint32(data[0x2C:0x30])
	sb.WTime = binary.LittleEndian.Uint32(data[0x30:0x34])
	sb.Magic = binary.LittleEndian.Uint16(data[0x38:0x3A])
	sb.State = binary.LittleEndian.Uint16(data[0x3A:0x3C])
	sb.RevLevel = binary.LittleEndian.Uint32(data[0x4C:0x50])
	sb.FirstIno = binary.LittleEndian.Uint32(data[0x54:0x58])
	sb.InodeSize = binary.LittleEndian.Uint16(data[0x58:0x5A])
	sb.FeatureCompat = binary.LittleEndian.Uint32(data[0x5C:0x60])
	sb.FeatureIncompat = binary.LittleEndian.Uint32(data[0x60:0x64])
	sb.FeatureROCompat = binary.LittleEndian.Uint32(data[0x64:0x68])
	copy(sb.UUID[:], data[0x68:0x78])
	copy(sb.VolumeName[:], data[0x78:0x88])

	// Revision 0 has fixed-size inodes and no s_inode_size field.
	if sb.RevLevel == revLevelStatic {
		sb.InodeSize = minInodeSize
		sb.FirstIno = 11
	}

	sb.DescSize = groupDescSize
	if sb.FeatureIncompat&featureIncompat64Bit != 0 {
		sb.DescSize = binary.LittleEndian.Uint16(data[0xFE:0x100])
		if sb.DescSize < groupDesc64Size {
			sb.DescSize = groupDesc64Size
		}
	}

	return sb, nil
}

// Validate rejects superblocks whose counts cannot describe a real
// filesystem. Every later offset computation depends on these values.
func (sb *Superblock) Validate() error {
	switch {
	case sb.Magic != extMagic:
		return &StructureError{Record: "superblock", Field: "magic", Value: uint64(sb.Magic), Reason: "not an ext filesystem"}
	case sb.LogBlockSize > maxLogBlockSize:
		return &StructureError{Record: "superblock", Field: "log_block_size", Value: uint64(sb.LogBlockSize), Reason: "block size above 64KiB"}
	case sb.BlocksPerGroup == 0:
		return &StructureError{Record: "superblock", Field: "blocks_per_group", Reason: "zero"}
	case sb.InodesPerGroup == 0:
		return &StructureError{Record: "superblock", Field: "inodes_per_group", Reason: "zero"}
	}

	bitsPerBlock := sb.BlockSize() * 8
	switch {
	case sb.BlocksPerGroup > bitsPerBlock:
		return &StructureError{Record: "superblock", Field: "blocks_per_group", Value: uint64(sb.BlocksPerGroup), Reason: "exceeds one bitmap block"}
	case sb.InodesPerGroup > bitsPerBlock:
		return &StructureError{Record: "superblock", Field: "inodes_per_group", Value: uint64(sb.InodesPerGroup), Reason: "exceeds one bitmap block"}
	case sb.InodeSize < minInodeSize || uint32(sb.InodeSize) > sb.BlockSize() || sb.InodeSize&(sb.InodeSize-1) != 0:
		return &StructureError{Record: "superblock", Field: "inode_size", Value: uint64(sb.InodeSize), Reason: "not a power of two between 128 and the block size"}
	case sb.BlocksCount <= sb.FirstDataBlock:
		return &StructureError{Record: "superblock", Field: "blocks_count", Value: uint64(sb.BlocksCount), Reason: "no data blocks"}
	case uint64(sb.InodesPerGroup)*uint64(sb.GroupCount()) < uint64(sb.InodesCount):
		return &StructureError{Record: "superblock", Field: "inodes_count", Value: uint64(sb.InodesCount), Reason: "more inodes than the groups can hold"}
	}
	return nil
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups.
func (sb *Superblock) GroupCount() uint32 {
	data := uint64(sb.BlocksCount - sb.FirstDataBlock)
	return uint32((data + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))
}

// Label returns the volume name without its NUL padding.
func (sb *Superblock) Label() string {
	return strings.TrimRight(string(sb.VolumeName[:]), "\x00")
}

// Type names the ext generation the feature flags point at.
func (sb *Superblock) Type() string {
	switch {
	case sb.FeatureIncompat&(featureIncompatExtents|featureIncompat64Bit) != 0:
		return "ext4"
	case sb.FeatureCompat&featureCompatHasJournal != 0:
		return "ext3"
	default:
		return "ext2"
	}
}

// GroupDescriptor is the per-group metadata record.
type GroupDescriptor struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocksCount uint32
	FreeInodesCount uint32
	UsedDirsCount   uint32
}

func decodeGroupDescriptor(data []byte, wide bool) GroupDescriptor {
	gd := GroupDescriptor{
		BlockBitmap:     uint64(binary.LittleEndian.Uint32(data[0x00:0x04])),
		InodeBitmap:     uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		InodeTable:      uint64(binary.LittleEndian.Uint32(data[0x08:0x0C])),
		FreeBlocksCount: uint32(binary.LittleEndian.Uint16(data[0x0C:0x0E])),
		FreeInodesCount: uint32(binary.LittleEndian.Uint16(data[0x0E:0x10])),
		UsedDirsCount:   uint32(binary.LittleEndian.Uint16(data[0x10:0x12])),
	}
	if wide && len(data) >= groupDesc64Size {
		gd.BlockBitmap |= uint64(binary.LittleEndian.Uint32(data[0x20:0x24])) << 32
		gd.InodeBitmap |= uint64(binary.LittleEndian.Uint32(data[0x24:0x28])) << 32
		gd.InodeTable |= uint64(binary.LittleEndian.Uint32(data[0x28:0x2C])) << 32
	}
	return gd
}

// Inode is a decoded inode record.
type Inode struct {
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	LinksCount uint16
	Blocks512  uint32
	Flags      uint32
	Block      [NumBlockPointers]uint32
}

// DecodeInode decodes an inode record of at least 128 bytes.
func DecodeInode(data []byte, revLevel uint32) (Inode, error) {
	if len(data) < minInodeSize {
		return Inode{}, fmt.Errorf("inode: short buffer (%d bytes)", len(data))
	}

	ino := Inode{
		Mode:       binary.LittleEndian.Uint16(data[0x00:0x02]),
		UID:        uint32(binary.LittleEndian.Uint16(data[0x02:0x04])),
		Size:       uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		ATime:      binary.LittleEndian.Uint32(data[0x08:0x0C]),
		CTime:      binary.LittleEndian.Uint32(data[0x0C:0x10]),
		MTime:      binary.LittleEndian.Uint32(data[0x10:0x14]),
		DTime:      binary.LittleEndian.Uint32(data[0x14:0x18]),
		GID:        uint32(binary.LittleEndian.Uint16(data[0x18:0x1A])),
		LinksCount: binary.LittleEndian.Uint16(data[0x1A:0x1C]),
		Blocks512:  binary.LittleEndian.Uint32(data[0x1C:0x20]),
		Flags:      binary.LittleEndian.Uint32(data[0x20:0x24]),
	}
	for i := range ino.Block {
		base := 0x28 + 4*i
		ino.Block[i] = binary.LittleEndian.Uint32(data[base : base+4])
	}

	// Linux-specific osd2: high halves of uid and gid.
	ino.UID |= uint32(binary.LittleEndian.Uint16(data[0x78:0x7A])) << 16
	ino.GID |= uint32(binary.LittleEndian.Uint16(data[0x7A:0x7C])) << 16

	// i_size_high only carries size for regular files on dynamic revisions;
	// ext2 directories reuse the field as i_dir_acl.
	if revLevel > revLevelStatic && ino.IsRegular() {
		ino.Size |= uint64(binary.LittleEndian.Uint32(data[0x6C:0x70])) << 32
	}

	return ino, nil
}

func (i *Inode) IsRegular() bool { return i.Mode&modeTypeMask == modeRegular }
func (i *Inode) IsDir() bool { return i.Mode&modeTypeMask == modeDir }
func (i *Inode) IsSymlink() bool { return i.Mode&modeTypeMask == modeSymlink }

// UsesExtents reports whether the block array holds an ext4 extent tree
// rather than block pointers.
func (i *Inode) UsesExtents() bool { return i.Flags&inodeFlagExtents != 0 }

// Reader gives access to the structures of one ext2 image. It holds the
// superblock read at Open; nothing in it changes afterwards.
type Reader struct {
	r         io.ReaderAt
	sb        Superblock
	blockSize uint32
}

// Open reads and validates the superblock of the image behind r.
func Open(r io.ReaderAt) (*Reader, error) {
	sbData := make([]byte, superblockSize)
	if err := readFull(r, sbData, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	sb, err := DecodeSuperblock(sbData)
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	return &Reader{r: r, sb: sb, blockSize: sb.BlockSize()}, nil
}

func (f *Reader) Superblock() Superblock { return f.sb }
func (f *Reader) BlockSize() uint32 { return f.blockSize }
func (f *Reader) BaseReader() io.ReaderAt { return f.r }
func (f *Reader) Type() string { return f.sb.Type() }

func (f *Reader) blockOffset(b uint64) int64 {
	return int64(b) * int64(f.blockSize)
}

// ReadBlock reads one whole block. Block 0 and blocks past the end of the
// filesystem are refused rather than read.
func (f *Reader) ReadBlock(block uint64) ([]byte, error) {
	if err := f.checkBlock(block); err != nil {
		return nil, err
	}
	data := make([]byte, f.blockSize)
	if err := readFull(f.r, data, f.blockOffset(block)); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block, err)
	}
	return data, nil
}

func (f *Reader) checkBlock(block uint64) error {
	if block == 0 {
		return fmt.Errorf("block 0 is not addressable")
	}
	if block >= uint64(f.sb.BlocksCount) {
		return fmt.Errorf("block %d beyond end of filesystem (%d blocks)", block, f.sb.BlocksCount)
	}
	return nil
}

// ReadPointers reads an indirect block and returns its block_size/4
// little-endian block numbers.
func (f *Reader) ReadPointers(block uint32) ([]uint32, error) {
	data, err := f.ReadBlock(uint64(block))
	if err != nil {
		return nil, err
	}
	ptrs := make([]uint32, len(data)/4)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])
	}
	return ptrs, nil
}

// GroupDescriptor reads the descriptor of the given block group. The
// descriptor table starts in the block after the superblock.
func (f *Reader) GroupDescriptor(group uint32) (GroupDescriptor, error) {
	if group >= f.sb.GroupCount() {
		return GroupDescriptor{}, fmt.Errorf("group %d out of range (%d groups)", group, f.sb.GroupCount())
	}

	descBlock := uint64(f.sb.FirstDataBlock + 1)
	descOffset := f.blockOffset(descBlock) + int64(group)*int64(f.sb.DescSize)

	data := make([]byte, f.sb.DescSize)
	if err := readFull(f.r, data, descOffset); err != nil {
		return GroupDescriptor{}, fmt.Errorf("reading group descriptor %d: %w", group, err)
	}

	gd := decodeGroupDescriptor(data, f.sb.FeatureIncompat&featureIncompat64Bit != 0)

	tableBlocks := (uint64(f.sb.InodesPerGroup)*uint64(f.sb.InodeSize) + uint64(f.blockSize) - 1) / uint64(f.blockSize)
	if gd.InodeTable == 0 || gd.InodeTable+tableBlocks > uint64(f.sb.BlocksCount) {
		return GroupDescriptor{}, &StructureError{
			Record: fmt.Sprintf("group descriptor %d", group),
			Field:  "inode_table",
			Value:  gd.InodeTable,
			Reason: "inode table outside the filesystem",
		}
	}
	return gd, nil
}

// InodeTableOffset returns the byte offset of the inode table of a group.
func (f *Reader) InodeTableOffset(group uint32) (int64, error) {
	gd, err := f.GroupDescriptor(group)
	if err != nil {
		return 0, err
	}
	return f.blockOffset(gd.InodeTable), nil
}

// InodeAt decodes the inode in the given slot of the table at tableOffset.
func (f *Reader) InodeAt(tableOffset int64, slot uint32) (Inode, error) {
	data := make([]byte, f.sb.InodeSize)
	off := tableOffset + int64(slot)*int64(f.sb.InodeSize)
	if err := readFull(f.r, data, off); err != nil {
		return Inode{}, fmt.Errorf("reading inode slot %d at %d: %w", slot, off, err)
	}
	return DecodeInode(data, f.sb.RevLevel)
}

// Inode looks up an inode by its conventional 1-based number.
func (f *Reader) Inode(ino uint32) (Inode, error) {
	if ino == 0 || uint64(ino) > uint64(f.sb.InodesPerGroup)*uint64(f.sb.GroupCount()) {
		return Inode{}, fmt.Errorf("inode %d out of range", ino)
	}

	group := (ino - 1) / f.sb.InodesPerGroup
	slot := (ino - 1) % f.sb.InodesPerGroup

	tableOffset, err := f.InodeTableOffset(group)
	if err != nil {
		return Inode{}, err
	}
	return f.InodeAt(tableOffset, slot)
}

// readFull is ReadAt that accepts io.EOF alongside a complete read.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
