package mmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// MinMmapSize 小于这个大小的文件直接读入内存
const MinMmapSize = 1024 * 1024

var errUnsupported = errors.New("mmap: not supported on this platform")

// File is a read-only, whole-file view of a file on disk.
// It implements io.ReadSeeker and exposes the backing bytes without copying.
type File struct {
	*bytes.Reader

	data   []byte
	unmap  func() error
	mapped bool
}

// Open loads path into memory. Files of at least MinMmapSize are memory mapped
// where supported; everything else, or a failed mapping, falls back to reading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	size := stat.Size()
	if int64(int(size)) != size {
		return nil, fmt.Errorf("file too large: %d bytes", size)
	}

	if size >= MinMmapSize {
		// 映射建立后关闭文件描述符不影响映射
		if data, unmap, err := mapFile(f, size); err == nil {
			return &File{Reader: bytes.NewReader(data), data: data, unmap: unmap, mapped: true}, nil
		}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &File{Reader: bytes.NewReader(data), data: data}, nil
}

// Bytes returns the whole file. The slice is invalid after Close when the file is mapped.
func (f *File) Bytes() []byte {
	return f.data
}

func (f *File) Mapped() bool {
	return f.mapped
}

func (f *File) Close() error {
	var err error
	if f.unmap != nil {
		if err = f.unmap(); err != nil {
			err = fmt.Errorf("unmap file: %w", err)
		}
		f.unmap = nil
	}
	f.data = nil
	f.Reader = bytes.NewReader(nil)
	return err
}
