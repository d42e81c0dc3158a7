// Package detect sniffs what kind of image a reader holds: an ext
// filesystem, a partitioned disk, or a compressed stream of one.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the kind of image.
type Type int

const (
	Unknown Type = iota
	Ext2
	Ext3
	Ext4
	MBR   // Master Boot Record partition table
	GPT   // GUID Partition Table
	XZ    // xz-compressed stream
	BZip2 // bzip2-compressed stream
)

func (t Type) String() string {
	switch t {
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	case XZ:
		return "xz"
	case BZip2:
		return "bzip2"
	default:
		return "unknown"
	}
}

// IsExt reports whether the type is any ext generation.
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

// IsPartitionTable reports whether the type is a partition table format.
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

// IsCompressed reports whether the image must be decompressed first.
func (t Type) IsCompressed() bool {
	return t == XZ || t == BZip2
}

var (
	xzMagic    = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	bzip2Magic = []byte("BZh")
	gptMagic   = []byte("EFI PART")
)

const (
	extSuperblockOffset = 1024
	extMagicOffset      = extSuperblockOffset + 0x38
	extMagic            = 0xEF53
)

// Detect identifies the image behind r from its first 4KiB.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 4096)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	header = header[:n]

	// Compressed streams can be tiny.
	if bytes.HasPrefix(header, xzMagic) {
		return XZ, nil
	}
	if len(header) >= 4 && bytes.HasPrefix(header, bzip2Magic) && header[3] >= '1' && header[3] <= '9' {
		return BZip2, nil
	}

	if n < 512 {
		return Unknown, fmt.Errorf("file too small: %d bytes", n)
	}

	// "EFI PART" at LBA 1
	if n >= 520 && bytes.Equal(header[512:520], gptMagic) {
		return GPT, nil
	}

	if n >= extMagicOffset+2 && binary.LittleEndian.Uint16(header[extMagicOffset:]) == extMagic {
		return ExtVersion(header[extSuperblockOffset:]), nil
	}

	if header[510] == 0x55 && header[511] == 0xAA && isMBRPartitionTable(header) {
		return MBR, nil
	}

	return Unknown, nil
}

// isMBRPartitionTable checks that the boot sector has at least one
// plausible partition entry and is not a FAT boot record.
func isMBRPartitionTable(header []byte) bool {
	valid := 0
	for i := 0; i < 4; i++ {
		entry := header[446+i*16 : 446+(i+1)*16]
		if boot := entry[0]; boot != 0x00 && boot != 0x80 {
			continue
		}
		if entry[4] == 0x00 {
			continue
		}
		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		lbaSize := binary.LittleEndian.Uint32(entry[12:16])
		if lbaStart > 0 && lbaSize > 0 {
			valid++
		}
	}
	if valid == 0 {
		return false
	}

	// A FAT volume also ends in 55 AA; its BPB names itself.
	if bytes.Equal(header[54:59], []byte("FAT12")) ||
		bytes.Equal(header[54:59], []byte("FAT16")) ||
		bytes.Equal(header[82:87], []byte("FAT32")) {
		return false
	}
	return true
}

// ExtVersion tells ext2, ext3 and ext4 apart by their feature flags.
// superblock is the data starting at byte 1024 of the filesystem.
func ExtVersion(superblock []byte) Type {
	if len(superblock) < 0x68 {
		return Ext2
	}

	const (
		compatHasJournal  = 0x0004
		incompatExtents   = 0x0040
		incompat64Bit     = 0x0080
		incompatFlexBG    = 0x0200
		ext4IncompatFlags = incompatExtents | incompat64Bit | incompatFlexBG
	)
	featureCompat := binary.LittleEndian.Uint32(superblock[0x5C:0x60])
	featureIncompat := binary.LittleEndian.Uint32(superblock[0x60:0x64])

	switch {
	case featureIncompat&ext4IncompatFlags != 0:
		return Ext4
	case featureCompat&compatHasJournal != 0:
		return Ext3
	default:
		return Ext2
	}
}
