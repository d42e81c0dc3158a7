// Package part parses MBR and GPT partition tables and exposes each
// partition as a window onto the disk image.
package part

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/lvdlvd/extcarve/detect"
	"github.com/lvdlvd/extcarve/fsys"
)

const (
	mbrEntriesOffset = 446
	mbrEntrySize     = 16
	gptHeaderLBA     = 1
	minGPTEntrySize  = 128
	maxGPTEntries    = 1024

	mbrTypeLinux      = 0x83
	mbrTypeProtective = 0xEE
)

// Well-known GPT partition type GUIDs.
var (
	LinuxFilesystem = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	EFISystem       = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	BasicData       = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	LinuxSwap       = uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	LinuxLVM        = uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928")
	LinuxRAID       = uuid.MustParse("A19D880F-05FC-4D3B-A006-743F0F84911E")
)

// Partition is one entry of a partition table.
type Partition struct {
	Index      int       // 0-based position among the used entries
	Type       byte      // MBR type, 0 for GPT
	TypeGUID   uuid.UUID // GPT type
	UniqueGUID uuid.UUID // GPT partition GUID
	StartLBA   uint64
	SizeLBA    uint64
	Bootable   bool
	Label      string // GPT name
	sectorSize int64
}

// Name returns the short name used on the command line: p0, p1...
func (p *Partition) Name() string { return fmt.Sprintf("p%d", p.Index) }

// Offset returns the byte offset of the partition in the image.
func (p *Partition) Offset() int64 { return int64(p.StartLBA) * p.sectorSize }

// Size returns the partition size in bytes.
func (p *Partition) Size() int64 { return int64(p.SizeLBA) * p.sectorSize }

// IsLinux reports whether the type marks a Linux filesystem.
func (p *Partition) IsLinux() bool {
	if p.Type != 0 {
		return p.Type == mbrTypeLinux
	}
	return p.TypeGUID == LinuxFilesystem
}

// TypeName describes the partition type.
func (p *Partition) TypeName() string {
	if p.Type != 0 {
		switch p.Type {
		case 0x01:
			return "FAT12"
		case 0x04, 0x06, 0x0E:
			return "FAT16"
		case 0x0B, 0x0C:
			return "FAT32"
		case 0x07:
			return "NTFS/exFAT"
		case 0x05, 0x0F:
			return "Extended"
		case 0x82:
			return "Linux swap"
		case mbrTypeLinux:
			return "Linux"
		case 0x8E:
			return "Linux LVM"
		case mbrTypeProtective:
			return "GPT Protective"
		case 0xEF:
			return "EFI System"
		default:
			return fmt.Sprintf("0x%02X", p.Type)
		}
	}

	switch p.TypeGUID {
	case LinuxFilesystem:
		return "Linux Filesystem"
	case EFISystem:
		return "EFI System"
	case BasicData:
		return "Basic Data"
	case LinuxSwap:
		return "Linux Swap"
	case LinuxLVM:
		return "Linux LVM"
	case LinuxRAID:
		return "Linux RAID"
	default:
		return strings.ToUpper(p.TypeGUID.String())
	}
}

// Reader returns the partition's bytes as their own image.
func (p *Partition) Reader(disk io.ReaderAt) *fsys.ExtentReaderAt {
	extents := []fsys.Extent{{Logical: 0, Physical: p.Offset(), Length: p.Size()}}
	return fsys.NewExtentReaderAt(disk, extents, p.Size())
}

// Table is a parsed partition table.
type Table struct {
	Type       detect.Type // MBR or GPT
	DiskGUID   uuid.UUID   // GPT only
	Partitions []*Partition
}

// Parse reads the partition table of the given type. sectorSize is the
// logical sector size the table counts in, usually 512.
func Parse(r io.ReaderAt, tableType detect.Type, sectorSize int) (*Table, error) {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	t := &Table{Type: tableType}
	var err error
	switch tableType {
	case detect.MBR:
		err = t.parseMBR(r, int64(sectorSize))
	case detect.GPT:
		err = t.parseGPT(r, int64(sectorSize))
	default:
		return nil, fmt.Errorf("unknown partition table type: %v", tableType)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Find returns the partition called name (p0, p1...), or its index as a
// bare number.
func (t *Table) Find(name string) (*Partition, error) {
	for _, p := range t.Partitions {
		if p.Name() == name || fmt.Sprint(p.Index) == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no partition %q (table has %d)", name, len(t.Partitions))
}

func (t *Table) parseMBR(r io.ReaderAt, sectorSize int64) error {
	sector := make([]byte, 512)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return fmt.Errorf("reading MBR: %w", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return fmt.Errorf("invalid MBR signature")
	}

	for i := 0; i < 4; i++ {
		entry := sector[mbrEntriesOffset+i*mbrEntrySize : mbrEntriesOffset+(i+1)*mbrEntrySize]
		partType := entry[4]
		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		lbaSize := binary.LittleEndian.Uint32(entry[12:16])
		if partType == 0 || lbaStart == 0 || lbaSize == 0 {
			continue
		}
		t.Partitions = append(t.Partitions, &Partition{
			Index:      len(t.Partitions),
			Type:       partType,
			StartLBA:   uint64(lbaStart),
			SizeLBA:    uint64(lbaSize),
			Bootable:   entry[0] == 0x80,
			sectorSize: sectorSize,
		})
	}
	return nil
}

func (t *Table) parseGPT(r io.ReaderAt, sectorSize int64) error {
	header := make([]byte, 92)
	if _, err := r.ReadAt(header, gptHeaderLBA*sectorSize); err != nil {
		return fmt.Errorf("reading GPT header: %w", err)
	}
	if string(header[0:8]) != "EFI PART" {
		return fmt.Errorf("invalid GPT signature")
	}

	t.DiskGUID = guidFromDisk(header[56:72])
	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])

	if entrySize < minGPTEntrySize {
		return fmt.Errorf("invalid partition entry size: %d", entrySize)
	}
	if numEntries > maxGPTEntries {
		return fmt.Errorf("implausible partition entry count: %d", numEntries)
	}

	entryOffset := int64(entryLBA) * sectorSize
	entry := make([]byte, entrySize)
	for i := uint32(0); i < numEntries; i++ {
		if _, err := r.ReadAt(entry, entryOffset+int64(i)*int64(entrySize)); err != nil {
			break
		}
		typeGUID := guidFromDisk(entry[0:16])
		if typeGUID == uuid.Nil {
			continue
		}
		startLBA := binary.LittleEndian.Uint64(entry[32:40])
		endLBA := binary.LittleEndian.Uint64(entry[40:48])
		if endLBA < startLBA {
			continue
		}
		t.Partitions = append(t.Partitions, &Partition{
			Index:      len(t.Partitions),
			TypeGUID:   typeGUID,
			UniqueGUID: guidFromDisk(entry[16:32]),
			StartLBA:   startLBA,
			SizeLBA:    endLBA - startLBA + 1,
			Label:      decodeUTF16LE(entry[56:128]),
			sectorSize: sectorSize,
		})
	}
	return nil
}

// guidFromDisk converts the mixed-endian on-disk GUID layout (first three
// fields little-endian) into RFC 4122 byte order.
func guidFromDisk(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	for i, v := range u16s {
		if v == 0 {
			u16s = u16s[:i]
			break
		}
	}
	return string(utf16.Decode(u16s))
}
