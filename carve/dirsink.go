package carve

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file DirSink.Close writes.
const ManifestName = "manifest.yaml"

// DirSinkOptions configures a DirSink.
type DirSinkOptions struct {
	Image     string // recorded in the manifest
	Extension string // numbered file suffix, "jpg" when empty
	Manifest  bool   // write manifest.yaml on Close
}

// Manifest describes one scan's output directory.
type Manifest struct {
	ScanID  string          `yaml:"scan_id"`
	Image   string          `yaml:"image,omitempty"`
	Started time.Time       `yaml:"started"`
	Files   []ManifestEntry `yaml:"files"`
}

// ManifestEntry is one carved file in the manifest.
type ManifestEntry struct {
	Ino    uint32 `yaml:"inode"`
	File   string `yaml:"file"`
	Name   string `yaml:"name,omitempty"`
	Copy   string `yaml:"copy,omitempty"`
	Size   uint64 `yaml:"size"`
	Length int64  `yaml:"length"`
	Links  uint16 `yaml:"links"`
	UID    uint32 `yaml:"uid"`
	SHA256 string `yaml:"sha256"`
}

// DirSink writes every record into a fresh directory: the content as
// file-<ino>.<ext>, its metadata as file-<ino>-details.txt (links, size
// and uid, one per line) and, when a name was recovered, a second copy
// under that name.
type DirSink struct {
	dir      string
	opts     DirSinkOptions
	manifest Manifest
}

// NewDirSink creates dir with mode 0700. It refuses a directory that
// already exists.
func NewDirSink(dir string, opts DirSinkOptions) (*DirSink, error) {
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("output directory %s already exists", dir)
		}
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if opts.Extension == "" {
		opts.Extension = JPEG.Extension
	}
	return &DirSink{
		dir:  dir,
		opts: opts,
		manifest: Manifest{
			ScanID:  uuid.NewString(),
			Image:   opts.Image,
			Started: time.Now().UTC(),
		},
	}, nil
}

// Dir returns the output directory.
func (d *DirSink) Dir() string { return d.dir }

// ScanID returns the identifier recorded in the manifest.
func (d *DirSink) ScanID() string { return d.manifest.ScanID }

func (d *DirSink) Emit(rec *Record) error {
	file := fmt.Sprintf("file-%d.%s", rec.Ino, d.opts.Extension)
	path := filepath.Join(d.dir, file)

	sum, err := writeContent(path, rec)
	if err != nil {
		return err
	}

	details := fmt.Sprintf("%d\n%d\n%d", rec.Links, rec.Size, rec.UID)
	detailsPath := filepath.Join(d.dir, fmt.Sprintf("file-%d-details.txt", rec.Ino))
	if err := os.WriteFile(detailsPath, []byte(details), 0o600); err != nil {
		return fmt.Errorf("writing details: %w", err)
	}

	entry := ManifestEntry{
		Ino:    rec.Ino,
		File:   file,
		Name:   rec.Name,
		Size:   rec.Size,
		Length: rec.Length,
		Links:  rec.Links,
		UID:    rec.UID,
		SHA256: sum,
	}
	if name := safeName(rec.Name); name != "" {
		dst := d.freeName(name, rec.Ino)
		if err := copyFile(filepath.Join(d.dir, dst), path); err != nil {
			return fmt.Errorf("copying to %s: %w", dst, err)
		}
		entry.Copy = dst
	}
	d.manifest.Files = append(d.manifest.Files, entry)
	return nil
}

// Close writes the manifest when asked to.
func (d *DirSink) Close() error {
	if !d.opts.Manifest {
		return nil
	}
	data, err := yaml.Marshal(&d.manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, ManifestName), data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by Close.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// writeContent streams the record into path and returns its SHA-256. A
// partial file is removed when reading the content fails.
func writeContent(path string, rec *Record) (string, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), rec.Reader())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeName reduces a recovered name to one path element. Names that
// cannot stand on their own come back empty.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// freeName returns name, or name prefixed with the inode number when an
// earlier record already took it or the sink writes files by that name.
func (d *DirSink) freeName(name string, ino uint32) string {
	candidate := fmt.Sprintf("%d-%s", ino, name)
	if !d.taken(name) {
		return name
	}
	for i := 2; d.taken(candidate); i++ {
		candidate = fmt.Sprintf("%d-%d-%s", ino, i, name)
	}
	return candidate
}

func (d *DirSink) taken(name string) bool {
	if d.reserved(name) {
		return true
	}
	_, err := os.Lstat(filepath.Join(d.dir, name))
	return !errors.Is(err, os.ErrNotExist)
}

// reserved reports whether name is one the sink itself writes: the
// manifest, file-<n>.<ext> or file-<n>-details.txt.
func (d *DirSink) reserved(name string) bool {
	if name == ManifestName {
		return true
	}
	rest, ok := strings.CutPrefix(name, "file-")
	if !ok {
		return false
	}
	digits := len(rest) - len(strings.TrimLeft(rest, "0123456789"))
	if digits == 0 {
		return false
	}
	switch rest[digits:] {
	case "." + d.opts.Extension, "-details.txt":
		return true
	}
	return false
}
