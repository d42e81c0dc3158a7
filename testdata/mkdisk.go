//go:build ignore

// mkdisk builds real ext2 images for trying extcarve by hand:
//
//	testdata/photos.img      bare ext2 with a few JPEGs and other files
//	testdata/mbr-disk.img    the same filesystem in the second MBR partition
//	testdata/photos.img.xz   produced separately with `xz -k`
//
// It needs mkfs.ext2 from e2fsprogs (for -d and -E offset=).
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const sectorSize = 512

func main() {
	src, err := os.MkdirTemp("", "extcarve-src-*")
	if err != nil {
		fail(err)
	}
	defer os.RemoveAll(src)

	if err := populate(src); err != nil {
		fail(err)
	}
	if err := createBare(src, "testdata/photos.img"); err != nil {
		fail(fmt.Errorf("bare: %w", err))
	}
	if err := createMBRDisk(src, "testdata/mbr-disk.img"); err != nil {
		fail(fmt.Errorf("MBR: %w", err))
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
	os.Exit(1)
}

// jpeg returns n bytes with a JPEG header carrying the given APPn marker.
func jpeg(n int, marker byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	copy(data, []byte{0xFF, 0xD8, 0xFF, marker})
	return data
}

// populate lays out files that exercise direct, single and double
// indirect blocks with a 1KiB block size.
func populate(dir string) error {
	files := map[string][]byte{
		"small.jpg":             jpeg(700, 0xE0),
		"camera/IMG_0001.jpg":   jpeg(40*1024+17, 0xE1),
		"camera/IMG_0002.jpg":   jpeg(400*1024+3, 0xE1),
		"scans/page.jpg":        jpeg(9*1024, 0xE8),
		"notes.txt":             []byte("not a picture\n"),
		"camera/raw-header.bin": {0xFF, 0xD8, 0xFF, 0xDB, 0, 0},
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	// A second name for the same inode.
	return os.Link(filepath.Join(dir, "small.jpg"), filepath.Join(dir, "scans/also-small.jpg"))
}

func mkfs(image, src string, offset, size int64) error {
	args := []string{"-q", "-F", "-b", "1024", "-d", src, "-L", "photos"}
	if offset > 0 {
		args = append(args, "-E", fmt.Sprintf("offset=%d", offset))
	}
	args = append(args, image, fmt.Sprintf("%dk", size/1024))
	cmd := exec.Command("mkfs.ext2", args...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd.Run()
}

func createBare(src, path string) error {
	const size = 4 * 1024 * 1024
	os.Remove(path)
	if err := mkfs(path, src, 0, size); err != nil {
		return err
	}
	fmt.Println("Created", path)
	return nil
}

func createMBRDisk(src, path string) error {
	const diskSize = 8 * 1024 * 1024

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(diskSize); err != nil {
		return err
	}

	// p0: a small FAT32-typed partition left empty, p1: Linux.
	p0Start, p0Size := uint32(2048), uint32(1024*1024/sectorSize)
	p1Start := p0Start + p0Size
	p1Size := uint32(diskSize/sectorSize) - p1Start

	mbr := make([]byte, sectorSize)
	writePartEntry(mbr[446:462], 0x00, 0x0C, p0Start, p0Size)
	writePartEntry(mbr[462:478], 0x80, 0x83, p1Start, p1Size)
	mbr[510], mbr[511] = 0x55, 0xAA
	if _, err := f.WriteAt(mbr, 0); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := mkfs(path, src, int64(p1Start)*sectorSize, int64(p1Size)*sectorSize); err != nil {
		return err
	}
	fmt.Println("Created", path)
	return nil
}

func writePartEntry(entry []byte, boot, ptype byte, startLBA, sizeLBA uint32) {
	entry[0] = boot
	entry[4] = ptype
	binary.LittleEndian.PutUint32(entry[8:12], startLBA)
	binary.LittleEndian.PutUint32(entry[12:16], sizeLBA)
}
