// Package source provides lazily-read file handles for uploads.
package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// Reader gives random access to file content.
type Reader interface {
	io.ReaderAt
	io.Closer
}

// File describes a file to upload. Its content is only read through Open.
type File interface {
	Name() string
	Size() int64
	ContentType() string
	LastModified() time.Time
	// Open returns a new Reader. Callers must close it.
	Open() (Reader, error)
}

// LocalFile is a file on the local file system.
type LocalFile struct {
	path        string
	name        string
	size        int64
	modTime     time.Time
	contentType string
}

// NewLocalFile stats path and detects its content type.
func NewLocalFile(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	contentType := defaultContentType
	if mtype, err := mimetype.DetectFile(path); err == nil {
		contentType = mtype.String()
	}

	return &LocalFile{
		path:        path,
		name:        filepath.Base(path),
		size:        info.Size(),
		modTime:     info.ModTime(),
		contentType: contentType,
	}, nil
}

// Path returns the location of the file.
func (f *LocalFile) Path() string { return f.path }

// Name ...
func (f *LocalFile) Name() string { return f.name }

// Size ...
func (f *LocalFile) Size() int64 { return f.size }

// ContentType ...
func (f *LocalFile) ContentType() string { return f.contentType }

// LastModified ...
func (f *LocalFile) LastModified() time.Time { return f.modTime }

// Open opens the file for reading.
func (f *LocalFile) Open() (Reader, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// MemoryFile is a file held in memory.
type MemoryFile struct {
	name        string
	data        []byte
	modTime     time.Time
	contentType string
}

// NewMemoryFile creates a MemoryFile. The content type is detected from data.
func NewMemoryFile(name string, data []byte, modTime time.Time) *MemoryFile {
	return &MemoryFile{
		name:        name,
		data:        data,
		modTime:     modTime,
		contentType: mimetype.Detect(data).String(),
	}
}

// Name ...
func (f *MemoryFile) Name() string { return f.name }

// Size ...
func (f *MemoryFile) Size() int64 { return int64(len(f.data)) }

// ContentType ...
func (f *MemoryFile) ContentType() string { return f.contentType }

// LastModified ...
func (f *MemoryFile) LastModified() time.Time { return f.modTime }

// Open returns a reader over the in-memory content.
func (f *MemoryFile) Open() (Reader, error) {
	return nopCloser{bytes.NewReader(f.data)}, nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
