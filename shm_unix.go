// shm_unix.go: memory mapping via mmap on unix platforms
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package audiobridge

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapRegion maps size bytes of file shared and read/write. The mapping is
// additionally locked into memory when the memlock limit allows it; audio
// buffers being paged out mid-cycle would show up as dropouts.
func mapRegion(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// EAGAIN here means the user's memlock limit is reached. The mapping
	// still works, it just is not pinned.
	_ = unix.Mlock(data)
	return data, nil
}

// unmapRegion releases a mapping created by mapRegion.
func unmapRegion(data []byte) error {
	return unix.Munmap(data)
}
