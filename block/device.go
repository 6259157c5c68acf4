// Package block defines the storage contract the EFS core is built on: a
// fixed-size, synchronously-durable block device. Everything above this
// package (the cache, the bitmaps, the inode layer) only ever talks to a
// device through this interface.
package block

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"
)

// ID is a 0-based block index. The core never probes a device's size; it
// trusts the value supplied at format/open time.
type ID uint32

// Device is the storage primitive everything above this package is built on:
// a host file, a RAM disk, or a hardware driver could all implement it. Both
// methods are synchronous, and a successful Write must be durable by the
// time it returns; the core performs no retries and no I/O scheduling of its
// own.
type Device interface {
	BlockSize() uint
	TotalBlocks() uint
	ReadBlock(id ID, buf []byte) error
	WriteBlock(id ID, buf []byte) error
}

// CheckBounds reports whether id is addressable on a device this size, and
// that buf is exactly one block. Device implementations are expected to call
// this before touching their backing storage.
func CheckBounds(dev Device, id ID, buf []byte) error {
	if uint(id) >= dev.TotalBlocks() {
		return fmt.Errorf("block %d out of range [0, %d)", id, dev.TotalBlocks())
	}
	if uint(len(buf)) != dev.BlockSize() {
		return fmt.Errorf(
			"buffer is %d bytes, want exactly %d (block size)", len(buf), dev.BlockSize(),
		)
	}
	return nil
}

// RAMDevice is a reference Device backed entirely by memory, used by tests.
// It adapts a flat byte slice into per-block reads/writes via bytesextra's
// ReadWriteSeeker.
type RAMDevice struct {
	blockSize   uint
	totalBlocks uint
	stream      io.ReadWriteSeeker
}

// NewRAMDevice allocates a zeroed in-memory device of totalBlocks blocks of
// blockSize bytes each.
func NewRAMDevice(blockSize, totalBlocks uint) *RAMDevice {
	buf := make([]byte, blockSize*totalBlocks)
	return &RAMDevice{
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		stream:      bytesextra.NewReadWriteSeeker(buf),
	}
}

// NewRAMDeviceFromImage wraps an existing byte slice as a device, without
// copying it. The slice's length must equal blockSize*totalBlocks.
func NewRAMDeviceFromImage(blockSize, totalBlocks uint, image []byte) (*RAMDevice, error) {
	if uint(len(image)) != blockSize*totalBlocks {
		return nil, fmt.Errorf(
			"image is %d bytes, want %d (%d blocks of %d bytes)",
			len(image), blockSize*totalBlocks, totalBlocks, blockSize,
		)
	}
	return &RAMDevice{
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		stream:      bytesextra.NewReadWriteSeeker(image),
	}, nil
}

func (d *RAMDevice) BlockSize() uint   { return d.blockSize }
func (d *RAMDevice) TotalBlocks() uint { return d.totalBlocks }

func (d *RAMDevice) ReadBlock(id ID, buf []byte) error {
	if err := CheckBounds(d, id, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d.stream, buf)
	return err
}

func (d *RAMDevice) WriteBlock(id ID, buf []byte) error {
	if err := CheckBounds(d, id, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := d.stream.Write(buf)
	return err
}

// FileDevice adapts an *os.File (or any io.ReadWriteSeeker) into a Device,
// used by cmd/efsutil to operate on a host-file-backed volume.
type FileDevice struct {
	blockSize   uint
	totalBlocks uint
	file        io.ReadWriteSeeker
}

func NewFileDevice(file io.ReadWriteSeeker, blockSize, totalBlocks uint) *FileDevice {
	return &FileDevice{blockSize: blockSize, totalBlocks: totalBlocks, file: file}
}

func (d *FileDevice) BlockSize() uint   { return d.blockSize }
func (d *FileDevice) TotalBlocks() uint { return d.totalBlocks }

func (d *FileDevice) ReadBlock(id ID, buf []byte) error {
	if err := CheckBounds(d, id, buf); err != nil {
		return err
	}
	if _, err := d.file.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d.file, buf)
	return err
}

func (d *FileDevice) WriteBlock(id ID, buf []byte) error {
	if err := CheckBounds(d, id, buf); err != nil {
		return err
	}
	if _, err := d.file.Seek(int64(id)*int64(d.blockSize), io.SeekStart); err != nil {
		return err
	}
	_, err := d.file.Write(buf)
	return err
}
