// shm_stub.go: shared-memory stub for platforms without mmap support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package audiobridge

import (
	stderrors "errors"
	"os"
)

var errShmUnsupported = stderrors.New("shared memory mapping is not supported on this platform")

func mapRegion(file *os.File, size int) ([]byte, error) {
	return nil, errShmUnsupported
}

func unmapRegion(data []byte) error {
	return errShmUnsupported
}
