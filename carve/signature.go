// Package carve finds files of a known type among the inodes of an ext2
// image and hands their reconstructed content to a Sink.
package carve

import "bytes"

// Signature recognises a file family by its first bytes: a fixed prefix
// followed by one byte out of a set of variants.
type Signature struct {
	Name      string
	Extension string
	Prefix    []byte
	Variants  []byte
}

// JPEG matches FF D8 FF followed by a JFIF (E0), Exif (E1) or SPIFF (E8)
// APPn marker.
var JPEG = Signature{
	Name:      "jpeg",
	Extension: "jpg",
	Prefix:    []byte{0xFF, 0xD8, 0xFF},
	Variants:  []byte{0xE0, 0xE1, 0xE8},
}

// Len returns how many leading bytes Match looks at.
func (s Signature) Len() int {
	if len(s.Variants) == 0 {
		return len(s.Prefix)
	}
	return len(s.Prefix) + 1
}

// Match reports whether head starts with the signature. A head shorter
// than Len never matches.
func (s Signature) Match(head []byte) bool {
	if len(head) < s.Len() || !bytes.HasPrefix(head, s.Prefix) {
		return false
	}
	if len(s.Variants) == 0 {
		return true
	}
	return bytes.IndexByte(s.Variants, head[len(s.Prefix)]) >= 0
}
