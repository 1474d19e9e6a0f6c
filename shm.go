// shm.go: shared-memory backing for the negotiated audio buffers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package audiobridge

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"
)

// AudioShmBuffer is one mapped shared audio region. Both processes open the
// same region by the name carried in the config and compute identical channel
// views from the offsets, so no pointer ever crosses the boundary.
//
// Mapping failure is fatal for the instance's audio path: it is a resource or
// environment error, never a transient condition worth retrying, and the
// bridge must not silently degrade to an unbuffered path.
type AudioShmBuffer struct {
	config AudioBufferConfig
	path   string
	file   *os.File
	data   []byte
	views  *ProcessBuffers

	closeOnce sync.Once
}

// shmDir returns the directory backing shared regions: the kernel shm mount
// when present, the temp dir otherwise. Both sides run on the same machine,
// so they resolve the same directory from the same config.
func shmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenAudioShmBuffer opens or creates the region named by the config, sizes
// it exactly to the negotiated layout, maps it, and builds the typed channel
// views. Either side may open first; whoever arrives second attaches to the
// existing region.
func OpenAudioShmBuffer(config *AudioBufferConfig) (*AudioShmBuffer, error) {
	if config == nil || config.Name == "" {
		return nil, NewInvalidBufferConfigError("missing region name")
	}

	buf := &AudioShmBuffer{
		config: *config,
		path:   filepath.Join(shmDir(), config.Name),
	}

	// A zero-size region (no audio busses at all) needs no backing file.
	if config.Size == 0 {
		buf.views = &ProcessBuffers{Kind: config.SampleKind}
		return buf, nil
	}

	file, err := os.OpenFile(buf.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, NewSharedMemoryError(config.Name, "open", err)
	}
	if err := file.Truncate(int64(config.Size)); err != nil {
		_ = file.Close()
		return nil, NewSharedMemoryError(config.Name, "truncate", err)
	}

	data, err := mapRegion(file, int(config.Size))
	if err != nil {
		_ = file.Close()
		return nil, NewSharedMemoryError(config.Name, "mmap", err)
	}

	buf.file = file
	buf.data = data
	buf.buildViews()
	return buf, nil
}

// buildViews computes the typed per-bus channel slices once, at mapping
// time. The slices alias the mapped region via its sample offsets.
func (b *AudioShmBuffer) buildViews() {
	views := &ProcessBuffers{Kind: b.config.SampleKind}

	if b.config.SampleKind == SampleFloat64 {
		views.Input64 = b.buildTables64(b.config.InputOffsets)
		views.Output64 = b.buildTables64(b.config.OutputOffsets)
	} else {
		views.Input32 = b.buildTables32(b.config.InputOffsets)
		views.Output32 = b.buildTables32(b.config.OutputOffsets)
	}
	b.views = views
}

func (b *AudioShmBuffer) buildTables32(offsets [][]uint32) [][][]float32 {
	tables := make([][][]float32, len(offsets))
	for bus, channels := range offsets {
		tables[bus] = make([][]float32, len(channels))
		for channel, sampleOffset := range channels {
			byteOffset := uint64(sampleOffset) * b.config.SampleKind.Width()
			ptr := (*float32)(unsafe.Pointer(&b.data[byteOffset]))
			tables[bus][channel] = unsafe.Slice(ptr, b.config.MaxFrames)
		}
	}
	return tables
}

func (b *AudioShmBuffer) buildTables64(offsets [][]uint32) [][][]float64 {
	tables := make([][][]float64, len(offsets))
	for bus, channels := range offsets {
		tables[bus] = make([][]float64, len(channels))
		for channel, sampleOffset := range channels {
			byteOffset := uint64(sampleOffset) * b.config.SampleKind.Width()
			ptr := (*float64)(unsafe.Pointer(&b.data[byteOffset]))
			tables[bus][channel] = unsafe.Slice(ptr, b.config.MaxFrames)
		}
	}
	return tables
}

// Config returns the layout this region was mapped with.
func (b *AudioShmBuffer) Config() AudioBufferConfig {
	return b.config
}

// Buffers returns the typed channel views over the region.
func (b *AudioShmBuffer) Buffers() *ProcessBuffers {
	return b.views
}

// Close unmaps and removes the region. Both sides remove on teardown to
// reduce the chance of leaking shared memory; losing the race to the other
// side's removal is fine.
func (b *AudioShmBuffer) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.data != nil {
			err = unmapRegion(b.data)
			b.data = nil
			b.views = nil
		}
		if b.file != nil {
			if closeErr := b.file.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			if rmErr := os.Remove(b.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
				err = rmErr
			}
			b.file = nil
		}
		if err != nil {
			err = NewSharedMemoryError(b.config.Name, "close", err)
		}
	})
	return err
}
