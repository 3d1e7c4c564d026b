// Package readers loads meshes from files and writes them back, choosing
// the format by file extension.
package readers

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
)

// Format names the file extensions it handles, with the leading dot
type Format interface {
	Extensions() []string
}

// Reader fills an empty mesh from a file
type Reader interface {
	Format
	ReadMeshInto(path string, m *mesh.Mesh) error
}

// Writer writes a mesh to a file. SetFields restricts the written node
// fields to names; the coordinates are always written.
type Writer interface {
	Format
	WriteFromTo(m *mesh.Mesh, path string) error
	SetFields(names []string)
}

var (
	registryMu sync.RWMutex
	readers    = make(map[string]func() Reader)
	writers    = make(map[string]func() Writer)
)

// Register makes the format returned by factory available for its
// extensions, as a reader, a writer or both
func Register(factory func() Format) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f := factory()
	for _, ext := range f.Extensions() {
		ext = strings.ToLower(ext)
		if _, ok := f.(Reader); ok {
			readers[ext] = func() Reader { return factory().(Reader) }
		}
		if _, ok := f.(Writer); ok {
			writers[ext] = func() Writer { return factory().(Writer) }
		}
	}
}

// ReaderFor returns a reader for the extension of path
func ReaderFor(path string) (Reader, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := readers[ext]
	if !ok {
		return nil, errors.Newf(errors.ErrFileFormat, "no mesh reader for %q (have %v)", path, keys(readers))
	}
	return f(), nil
}

// WriterFor returns a writer for the extension of path
func WriterFor(path string) (Writer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := writers[ext]
	if !ok {
		return nil, errors.Newf(errors.ErrFileFormat, "no mesh writer for %q (have %v)", path, keys(writers))
	}
	return f(), nil
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReadMesh reads path into m with the registered reader
func ReadMesh(path string, m *mesh.Mesh) error {
	r, err := ReaderFor(path)
	if err != nil {
		return err
	}
	return r.ReadMeshInto(path, m)
}

// RankPath inserts the rank before the extension: out.pmsh becomes
// out.P3.pmsh
func RankPath(path string, rank int) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".P" + strconv.Itoa(rank) + ext
}

func init() {
	Register(func() Format { return &GocfdReader{} })
	Register(func() Format { return &PmshFormat{} })
}
