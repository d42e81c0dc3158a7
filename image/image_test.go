package image

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/lvdlvd/extcarve/carve"
	"github.com/lvdlvd/extcarve/detect"
	"github.com/lvdlvd/extcarve/fsys/ext/exttest"
	"github.com/lvdlvd/extcarve/xts"
)

func testImage() ([]byte, []byte) {
	b := exttest.New(exttest.DefaultOptions())
	photo := exttest.JPEG(3000, 0xE0)
	b.AddFile(12, photo)
	b.AddDir(2, []exttest.Entry{{Ino: 12, Name: "photo.jpg", FileType: exttest.TypeRegular}})
	return b.Bytes(), photo
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func xzCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bzip2Compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encrypt(t *testing.T, key, data []byte) []byte {
	t.Helper()
	c, err := xts.New(key, xts.DefaultSectorSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	enc := bytes.Clone(data)
	if err := c.EncryptSectors(enc, 0); err != nil {
		t.Fatal(err)
	}
	return enc
}

// partitioned places fs at LBA 8 of an MBR disk.
func partitioned(fs []byte) []byte {
	const start = 8
	disk := make([]byte, start*512+len(fs))
	copy(disk[start*512:], fs)
	entry := disk[446:]
	entry[4] = 0x83
	binary.LittleEndian.PutUint32(entry[8:], start)
	binary.LittleEndian.PutUint32(entry[12:], uint32(len(fs)/512))
	disk[510], disk[511] = 0x55, 0xAA
	return disk
}

func carveAll(t *testing.T, img *Image) *carve.MemorySink {
	t.Helper()
	fs, err := img.Filesystem()
	if err != nil {
		t.Fatalf("Filesystem: %v", err)
	}
	sink := &carve.MemorySink{}
	if _, err := carve.NewScanner(fs, nil).Scan(sink); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return sink
}

func TestOpen(t *testing.T) {
	fs, photo := testImage()
	key := bytes.Repeat([]byte{0x42}, 32)

	tests := []struct {
		name       string
		data       []byte
		opts       Options
		compressed detect.Type
		encrypted  bool
		partition  bool
	}{
		{name: "raw", data: fs},
		{name: "xz", data: xzCompress(t, fs), compressed: detect.XZ},
		{name: "bzip2", data: bzip2Compress(t, fs), compressed: detect.BZip2},
		{name: "xts", data: encrypt(t, key, fs), opts: Options{Key: key}, encrypted: true},
		{name: "mbr", data: partitioned(fs), partition: true},
		{name: "mbr named partition", data: partitioned(fs), opts: Options{Partition: "p0"}, partition: true},
		{name: "compressed mbr", data: xzCompress(t, partitioned(fs)), compressed: detect.XZ, partition: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "disk.img", tt.data)
			tt.opts.TempDir = t.TempDir()
			img, err := Open(path, tt.opts)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer img.Close()

			if img.Type != detect.Ext2 || img.Size != int64(len(fs)) {
				t.Errorf("Type %s size %d, want ext2 size %d", img.Type, img.Size, len(fs))
			}
			if img.Compressed != tt.compressed || img.Encrypted != tt.encrypted || (img.Partition != nil) != tt.partition {
				t.Errorf("compressed %s encrypted %v partition %v", img.Compressed, img.Encrypted, img.Partition)
			}

			sink := carveAll(t, img)
			if len(sink.Records) != 1 || sink.Records[0].Name != "photo.jpg" || !bytes.Equal(sink.Data[0], photo) {
				t.Errorf("carved %d records", len(sink.Records))
			}
		})
	}
}

func TestOpenRemovesTempFile(t *testing.T) {
	fs, _ := testImage()
	path := writeFile(t, "disk.img.xz", xzCompress(t, fs))
	tmp := t.TempDir()

	img, err := Open(path, Options{TempDir: tmp})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 1 {
		t.Errorf("temp dir holds %d files while open, want 1", len(entries))
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Errorf("temp dir holds %d files after Close", len(entries))
	}
}

func TestOpenErrors(t *testing.T) {
	fs, _ := testImage()
	tests := []struct {
		name string
		data []byte
		opts Options
	}{
		{name: "not an image", data: bytes.Repeat([]byte("junk"), 1024)},
		{name: "wrong key", data: encrypt(t, bytes.Repeat([]byte{1}, 32), fs), opts: Options{Key: bytes.Repeat([]byte{2}, 32)}},
		{name: "missing partition", data: partitioned(fs), opts: Options{Partition: "p3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Open(writeFile(t, "disk.img", tt.data), tt.opts)
			if err == nil {
				img.Close()
				t.Fatal("Open did not fail")
			}
		})
	}
}

func TestPartitionExtentsAreAbsolute(t *testing.T) {
	fs, _ := testImage()
	disk := partitioned(fs)
	img, err := OpenReader(bytes.NewReader(disk), int64(len(disk)), Options{})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	sink := carveAll(t, img)
	if len(sink.Records) != 1 {
		t.Fatalf("carved %d records", len(sink.Records))
	}
	rec := sink.Records[0]
	inner := rec.Extents[0].Physical

	// Reading the disk directly at partition offset + filesystem offset
	// yields the JPEG header.
	head := disk[img.Partition.Offset()+inner:][:4]
	if !carve.JPEG.Match(head) {
		t.Errorf("bytes at %d = % x, not a JPEG header", img.Partition.Offset()+inner, head)
	}
}
