package assets

import (
	"bytes"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// Source is a handle to one binary upload. Open may be called more than once
// and each call returns an independent reader.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type pathSource struct {
	path string
}

// FromPath returns a Source reading the file at path.
func FromPath(path string) Source {
	return pathSource{path: path}
}

func (s pathSource) Name() string { return filepath.Base(s.path) }

func (s pathSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }

type bytesSource struct {
	name string
	data []byte
}

// FromBytes returns a Source over an in-memory copy of data.
func FromBytes(name string, data []byte) Source {
	return bytesSource{name: name, data: bytes.Clone(data)}
}

func (s bytesSource) Name() string { return s.name }

func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type fileHeaderSource struct {
	fh *multipart.FileHeader
}

// FromFileHeader returns a Source for an uploaded multipart file. It returns
// nil when fh is nil so that a missing form file stays a missing asset.
func FromFileHeader(fh *multipart.FileHeader) Source {
	if fh == nil {
		return nil
	}
	return fileHeaderSource{fh: fh}
}

func (s fileHeaderSource) Name() string { return s.fh.Filename }

func (s fileHeaderSource) Open() (io.ReadCloser, error) { return s.fh.Open() }
