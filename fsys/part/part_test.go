package part

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/lvdlvd/extcarve/detect"
)

func mbrDisk(entries ...[16]byte) []byte {
	disk := make([]byte, 4096)
	for i, e := range entries {
		copy(disk[mbrEntriesOffset+i*mbrEntrySize:], e[:])
	}
	disk[510], disk[511] = 0x55, 0xAA
	return disk
}

func mbrEntry(boot, typ byte, start, size uint32) [16]byte {
	var e [16]byte
	e[0] = boot
	e[4] = typ
	binary.LittleEndian.PutUint32(e[8:], start)
	binary.LittleEndian.PutUint32(e[12:], size)
	return e
}

func TestParseMBR(t *testing.T) {
	disk := mbrDisk(
		mbrEntry(0x80, 0x0C, 2, 3),
		mbrEntry(0, 0, 0, 0),
		mbrEntry(0, mbrTypeLinux, 5, 2),
	)
	tbl, err := Parse(bytes.NewReader(disk), detect.MBR, 512)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tbl.Partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(tbl.Partitions))
	}

	p0, p1 := tbl.Partitions[0], tbl.Partitions[1]
	if !p0.Bootable || p0.TypeName() != "FAT32" || p0.IsLinux() {
		t.Errorf("p0 = %+v (%s)", p0, p0.TypeName())
	}
	if p1.Name() != "p1" || !p1.IsLinux() || p1.Offset() != 2560 || p1.Size() != 1024 {
		t.Errorf("p1 = %+v", p1)
	}

	got, err := tbl.Find("1")
	if err != nil || got != p1 {
		t.Errorf("Find(1) = %v, %v", got, err)
	}
	if _, err := tbl.Find("p7"); err == nil {
		t.Error("Find(p7) did not fail")
	}
}

func TestParseMBRBadSignature(t *testing.T) {
	disk := mbrDisk(mbrEntry(0, mbrTypeLinux, 1, 1))
	disk[511] = 0
	if _, err := Parse(bytes.NewReader(disk), detect.MBR, 512); err == nil {
		t.Error("Parse accepted a sector without 55 AA")
	}
}

func guidToDisk(u uuid.UUID) []byte {
	b := guidFromDisk(u[:])
	return b[:]
}

func gptDisk(t *testing.T, parts []Partition) []byte {
	t.Helper()
	disk := make([]byte, 64*512)
	hdr := disk[512:]
	copy(hdr, "EFI PART")
	copy(hdr[56:72], guidToDisk(uuid.MustParse("11111111-2222-3333-4444-555555555555")))
	binary.LittleEndian.PutUint64(hdr[72:], 2)
	binary.LittleEndian.PutUint32(hdr[80:], 4)
	binary.LittleEndian.PutUint32(hdr[84:], 128)

	for i, p := range parts {
		e := disk[2*512+i*128:]
		copy(e[0:16], guidToDisk(p.TypeGUID))
		copy(e[16:32], guidToDisk(p.UniqueGUID))
		binary.LittleEndian.PutUint64(e[32:], p.StartLBA)
		binary.LittleEndian.PutUint64(e[40:], p.StartLBA+p.SizeLBA-1)
		for j, c := range utf16.Encode([]rune(p.Label)) {
			binary.LittleEndian.PutUint16(e[56+2*j:], c)
		}
	}
	return disk
}

func TestParseGPT(t *testing.T) {
	want := []*Partition{
		{Index: 0, TypeGUID: EFISystem, UniqueGUID: uuid.MustParse("a0a0a0a0-0000-4000-8000-000000000001"), StartLBA: 34, SizeLBA: 4, Label: "EFI", sectorSize: 512},
		{Index: 1, TypeGUID: LinuxFilesystem, UniqueGUID: uuid.MustParse("a0a0a0a0-0000-4000-8000-000000000002"), StartLBA: 40, SizeLBA: 20, Label: "photos", sectorSize: 512},
	}
	var parts []Partition
	for _, p := range want {
		parts = append(parts, *p)
	}

	tbl, err := Parse(bytes.NewReader(gptDisk(t, parts)), detect.GPT, 512)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(want, tbl.Partitions, cmp.AllowUnexported(Partition{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("partitions mismatch (-want +got):\n%s", diff)
	}
	if got := tbl.DiskGUID.String(); got != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("DiskGUID = %s", got)
	}
	if got := tbl.Partitions[1].TypeName(); got != "Linux Filesystem" {
		t.Errorf("TypeName() = %q", got)
	}
}

func TestGUIDFromDisk(t *testing.T) {
	// EFI System Partition type as it appears on disk.
	onDisk := []byte{0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11, 0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B}
	if got := guidFromDisk(onDisk); got != EFISystem {
		t.Errorf("guidFromDisk = %s, want %s", got, EFISystem)
	}
}

func TestPartitionReader(t *testing.T) {
	disk := mbrDisk(mbrEntry(0, mbrTypeLinux, 2, 2))
	for i := 1024; i < 2048; i++ {
		disk[i] = byte(i)
	}
	tbl, err := Parse(bytes.NewReader(disk), detect.MBR, 512)
	if err != nil {
		t.Fatal(err)
	}
	r := tbl.Partitions[0].Reader(bytes.NewReader(disk))
	if r.Size() != 1024 {
		t.Fatalf("Size() = %d", r.Size())
	}
	buf := make([]byte, 16)
	if _, err := r.ReadAt(buf, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, disk[1124:1140]) {
		t.Errorf("ReadAt(100) = %v, want %v", buf, disk[1124:1140])
	}
}
