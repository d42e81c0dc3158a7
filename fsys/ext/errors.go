package ext

import (
	"errors"
	"fmt"
)

// ErrStop may be returned by a walk callback to end the walk early. The
// walk then returns nil.
var ErrStop = errors.New("stop walk")

// StructureError reports top-level metadata (superblock, group
// descriptor) that cannot be trusted. All addressing depends on it, so a
// scan that hits one cannot continue.
type StructureError struct {
	Record string
	Field  string
	Value  uint64
	Reason string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("%s: implausible %s (%d): %s", e.Record, e.Field, e.Value, e.Reason)
}
