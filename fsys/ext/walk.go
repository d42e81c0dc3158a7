package ext

import (
	"errors"
	"fmt"
)

// InodeRef locates an inode slot in the inode tables.
type InodeRef struct {
	Index uint32 // group*inodes_per_group + slot
	Group uint32
	Slot  uint32
}

// Ino returns the conventional ext2 inode number of the slot, the number
// directory entries refer to.
func (ref InodeRef) Ino() uint32 { return ref.Index + 1 }

// WalkInodes calls fn for every slot of every group's inode table, in
// table order, including unused and reserved slots. fn decides which of
// them matter and may return ErrStop. Failing to locate or read a group's
// inode table ends the walk with an error.
func (f *Reader) WalkInodes(fn func(ref InodeRef, ino *Inode) error) error {
	ipg := f.sb.InodesPerGroup
	inodeSize := uint32(f.sb.InodeSize)
	perBlock := f.blockSize / inodeSize
	buf := make([]byte, f.blockSize)

	for group := uint32(0); group < f.sb.GroupCount(); group++ {
		// The table moves from group to group; resolve it every time.
		tableOffset, err := f.InodeTableOffset(group)
		if err != nil {
			return err
		}

		for first := uint32(0); first < ipg; first += perBlock {
			count := perBlock
			if ipg-first < count {
				count = ipg - first
			}
			chunk := buf[:count*inodeSize]
			off := tableOffset + int64(first)*int64(inodeSize)
			if err := readFull(f.r, chunk, off); err != nil {
				return fmt.Errorf("reading inode table of group %d at %d: %w", group, off, err)
			}

			for i := uint32(0); i < count; i++ {
				slot := first + i
				ino, err := DecodeInode(chunk[i*inodeSize:(i+1)*inodeSize], f.sb.RevLevel)
				if err != nil {
					return err
				}
				ref := InodeRef{Index: group*ipg + slot, Group: group, Slot: slot}
				if err := fn(ref, &ino); err != nil {
					if errors.Is(err, ErrStop) {
						return nil
					}
					return err
				}
			}
		}
	}
	return nil
}
