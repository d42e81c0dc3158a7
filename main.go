// extcarve - Recover JPEG files from raw ext2 filesystem images
//
// Usage:
//
//	extcarve scan <image> <outdir>
//	extcarve ls [-l] <image>
//	extcarve cat [--extents] <image> <inode>
//	extcarve info [-g] <image>
package main

import "github.com/lvdlvd/extcarve/cmd"

func main() {
	cmd.Execute()
}
