// Package xts decrypts XTS-AES encrypted disk images on the fly.
//
// The image is an array of sectors, each encrypted on its own with the
// sector number as tweak. Reads are widened to whole sectors, decrypted
// and trimmed back to the requested range.
package xts

import (
	"crypto/aes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/xts"
)

// blockSize is the AES block size; sectors are multiples of it.
const blockSize = 16

// DefaultSectorSize is the data unit used by dm-crypt and most disk
// encryption tools.
const DefaultSectorSize = 512

// Cipher is an XTS-AES cipher bound to a sector size. The tweak for a
// sector is its index plus TweakOffset, for images cut out of a larger
// encrypted device.
type Cipher struct {
	c           *xts.Cipher
	sectorSize  int
	tweakOffset uint64
}

// New creates an XTS-AES cipher. The key is 32, 48 or 64 bytes: the first
// half encrypts data, the second half the tweak.
func New(key []byte, sectorSize int, tweakOffset uint64) (*Cipher, error) {
	if len(key) != 32 && len(key) != 48 && len(key) != 64 {
		return nil, fmt.Errorf("xts: invalid key length %d (must be 32, 48, or 64)", len(key))
	}
	if sectorSize < blockSize || sectorSize%blockSize != 0 {
		return nil, fmt.Errorf("xts: sector size %d is not a positive multiple of %d", sectorSize, blockSize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("xts: %w", err)
	}
	return &Cipher{c: c, sectorSize: sectorSize, tweakOffset: tweakOffset}, nil
}

// ParseKey decodes a hex key, ignoring surrounding space and an optional
// 0x prefix.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("xts: key is not hex: %w", err)
	}
	return key, nil
}

// SectorSize returns the sector size.
func (c *Cipher) SectorSize() int { return c.sectorSize }

// EncryptSectors encrypts buf in place. buf holds whole sectors, the
// first of which is sector first.
func (c *Cipher) EncryptSectors(buf []byte, first uint64) error {
	if len(buf)%c.sectorSize != 0 {
		return fmt.Errorf("xts: %d bytes is not a whole number of %d-byte sectors", len(buf), c.sectorSize)
	}
	for i := 0; i < len(buf); i += c.sectorSize {
		sector := buf[i : i+c.sectorSize]
		c.c.Encrypt(sector, sector, c.tweakOffset+first+uint64(i/c.sectorSize))
	}
	return nil
}

// DecryptSectors decrypts buf in place. buf holds whole sectors, the
// first of which is sector first.
func (c *Cipher) DecryptSectors(buf []byte, first uint64) error {
	if len(buf)%c.sectorSize != 0 {
		return fmt.Errorf("xts: %d bytes is not a whole number of %d-byte sectors", len(buf), c.sectorSize)
	}
	for i := 0; i < len(buf); i += c.sectorSize {
		sector := buf[i : i+c.sectorSize]
		c.c.Decrypt(sector, sector, c.tweakOffset+first+uint64(i/c.sectorSize))
	}
	return nil
}

// ReaderAt decrypts an encrypted image as it is read.
type ReaderAt struct {
	r      io.ReaderAt
	cipher *Cipher
	size   int64
}

// NewReaderAt returns a decrypting view of the size bytes behind r.
func NewReaderAt(r io.ReaderAt, cipher *Cipher, size int64) *ReaderAt {
	return &ReaderAt{r: r, cipher: cipher, size: size}
}

// Size returns the size of the image.
func (x *ReaderAt) Size() int64 { return x.size }

// ReadAt implements io.ReaderAt.
func (x *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("xts: negative offset")
	}
	if off >= x.size {
		return 0, io.EOF
	}

	ss := int64(x.cipher.sectorSize)
	end := off + int64(len(p))
	if end > x.size {
		end = x.size
	}
	first := off / ss
	alignedStart := first * ss
	alignedEnd := (end + ss - 1) / ss * ss

	buf := make([]byte, alignedEnd-alignedStart)
	n, err := x.r.ReadAt(buf, alignedStart)
	if err != nil && err != io.EOF {
		return 0, err
	}
	whole := n / int(ss) * int(ss)
	if whole == 0 {
		if n > 0 {
			return 0, fmt.Errorf("xts: partial sector read (%d bytes)", n)
		}
		return 0, io.EOF
	}
	if err := x.cipher.DecryptSectors(buf[:whole], uint64(first)); err != nil {
		return 0, err
	}

	skip := int(off - alignedStart)
	if skip >= whole {
		return 0, io.ErrUnexpectedEOF
	}
	copied := copy(p, buf[skip:whole])
	if off+int64(copied) >= x.size || copied < len(p) {
		return copied, io.EOF
	}
	return copied, nil
}
