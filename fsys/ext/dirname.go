package ext

import (
	"encoding/binary"
	"fmt"
)

const dirEntryHeaderSize = 8

// DirEntry is one record of a directory block.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// entrySpan is the space the entry itself needs: header plus name,
// rounded up to 4 bytes. rec_len may be larger when free space follows.
func entrySpan(nameLen uint8) int {
	return (dirEntryHeaderSize + int(nameLen) + 3) &^ 3
}

// decodeDirEntry copies the entry starting at off out of block. It reports
// false for the end-of-block sentinel (rec_len or name_len of zero) and for
// entries whose rec_len or name would run past the block.
func decodeDirEntry(block []byte, off int) (DirEntry, bool) {
	if off < 0 || off+dirEntryHeaderSize > len(block) {
		return DirEntry{}, false
	}
	hdr := block[off : off+dirEntryHeaderSize]
	e := DirEntry{
		Inode:    binary.LittleEndian.Uint32(hdr[0:4]),
		RecLen:   binary.LittleEndian.Uint16(hdr[4:6]),
		NameLen:  hdr[6],
		FileType: hdr[7],
	}
	if e.RecLen == 0 || e.NameLen == 0 || off+int(e.RecLen) > len(block) {
		return DirEntry{}, false
	}
	nameEnd := off + dirEntryHeaderSize + int(e.NameLen)
	if nameEnd > len(block) {
		return DirEntry{}, false
	}
	e.Name = string(block[off+dirEntryHeaderSize : nameEnd])
	return e, true
}

// ScanDirBlock calls fn for each packed entry of a directory block,
// stepping by the entry's own span rather than its rec_len so records
// left behind in slack space are seen too. fn returns false to stop.
func ScanDirBlock(block []byte, fn func(DirEntry) bool) {
	for off := 0; off+dirEntryHeaderSize <= len(block); {
		e, ok := decodeDirEntry(block, off)
		if !ok || !fn(e) {
			return
		}
		off += entrySpan(e.NameLen)
	}
}

// ListDirectory returns every entry ScanDirBlock finds in block.
func ListDirectory(block []byte) []DirEntry {
	var entries []DirEntry
	ScanDirBlock(block, func(e DirEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// NameResolver maps an inode number back to a name by scanning the
// entries of every directory on the filesystem.
type NameResolver struct {
	fs  *Reader
	res *Resolver
}

// NewNameResolver returns a NameResolver over f.
func NewNameResolver(f *Reader) *NameResolver {
	return &NameResolver{fs: f, res: NewResolver(f)}
}

// FindName returns the name of the first directory entry that refers to
// target. With several hard links any one of them may be returned. found
// is false when no directory mentions the inode.
//
// A directory whose blocks cannot be read is skipped and the search goes
// on. The first such failure is returned only when no name was found,
// since the missing name may have lived in that directory.
func (n *NameResolver) FindName(target uint32) (name string, found bool, err error) {
	var skipped error
	err = n.fs.WalkInodes(func(ref InodeRef, ino *Inode) error {
		if !ino.IsDir() || ino.UsesExtents() {
			return nil
		}
		err := n.res.Blocks(*ino, func(block uint32) error {
			data, err := n.fs.ReadBlock(uint64(block))
			if err != nil {
				return fmt.Errorf("reading directory block %d: %w", block, err)
			}
			ScanDirBlock(data, func(e DirEntry) bool {
				if e.Inode == target {
					name, found = e.Name, true
				}
				return !found
			})
			if found {
				return ErrStop
			}
			return nil
		})
		switch {
		case found:
			return ErrStop
		case err != nil:
			if skipped == nil {
				skipped = fmt.Errorf("directory inode %d: %w", ref.Ino(), err)
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !found && skipped != nil {
		return "", false, skipped
	}
	return name, found, nil
}
