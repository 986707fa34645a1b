// cmd/mkfs builds a flat filesystem image: a boot block of directory
// entries, a fixed inode table, and the concatenated data blocks of every
// named file, in the layout internal/fs mounts.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	blockSize      = 4096
	maxDentries    = 63
	dentryNameSize = 32
	blocksPerInode = 1023
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: mkfs <image> <file>...")
		os.Exit(1)
	}

	image := os.Args[1]
	files := os.Args[2:]

	if len(files) > maxDentries {
		die(fmt.Errorf("mkfs: %d files exceeds the %d-entry boot block", len(files), maxDentries))
	}

	out, err := os.Create(image)
	if err != nil {
		die(err)
	}
	defer out.Close()

	contents := make([][]byte, len(files))

	for i, path := range files {
		buf, err := os.ReadFile(path)
		if err != nil {
			die(err)
		}

		contents[i] = buf
	}

	boot := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(boot[0:4], uint32(len(files)))
	binary.LittleEndian.PutUint32(boot[4:8], uint32(len(files)))

	inodes := make([]byte, len(files)*blockSize)

	dataBlockIdx := uint32(0)

	for i, buf := range contents {
		name := filepath.Base(files[i])

		const dentriesOff = 4 + 4 + 4 + 52
		off := dentriesOff + i*64

		n := copy(boot[off:off+dentryNameSize], name)
		for ; n < dentryNameSize; n++ {
			boot[off+n] = ' '
		}

		binary.LittleEndian.PutUint32(boot[off+dentryNameSize:off+dentryNameSize+4], uint32(i))

		inodeOff := i * blockSize
		binary.LittleEndian.PutUint32(inodes[inodeOff:inodeOff+4], uint32(len(buf)))

		numBlocks := (len(buf) + blockSize - 1) / blockSize
		if numBlocks == 0 {
			numBlocks = 1
		}

		if numBlocks > blocksPerInode {
			die(fmt.Errorf("mkfs: %s needs %d data blocks, more than %d supported", files[i], numBlocks, blocksPerInode))
		}

		for j := 0; j < numBlocks; j++ {
			blkOff := inodeOff + 4 + j*4
			binary.LittleEndian.PutUint32(inodes[blkOff:blkOff+4], dataBlockIdx)
			dataBlockIdx++
		}
	}

	binary.LittleEndian.PutUint32(boot[8:12], dataBlockIdx)

	if _, err := out.Write(boot); err != nil {
		die(err)
	}

	if _, err := out.Write(inodes); err != nil {
		die(err)
	}

	for _, buf := range contents {
		numBlocks := (len(buf) + blockSize - 1) / blockSize
		if numBlocks == 0 {
			numBlocks = 1
		}

		padded := make([]byte, numBlocks*blockSize)
		copy(padded, buf)

		if _, err := out.Write(padded); err != nil {
			die(err)
		}
	}

	fmt.Printf("mkfs: wrote %s: %d files, %d data blocks\n", image, len(files), dataBlockIdx)
}

func die(err error) {
	fmt.Fprintln(os.Stderr, "mkfs:", err)
	os.Exit(1)
}
