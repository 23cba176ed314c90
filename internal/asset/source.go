package asset

import (
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Source loads raw images by path. Implementations may block on I/O;
// the engine never holds a lock while calling Load.
type Source interface {
	Load(ctx context.Context, path string) (image.Image, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, path string) (image.Image, error)

func (f SourceFunc) Load(ctx context.Context, path string) (image.Image, error) {
	return f(ctx, path)
}

var supportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// DirSource decodes images stored under a root directory. Paths are
// slash-separated and relative to Root.
type DirSource struct {
	Root string
}

// NewDirSource returns a DirSource rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

func (d *DirSource) Load(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := filepath.FromSlash(path)
	if !filepath.IsLocal(rel) {
		return nil, &AssetError{Op: "load", Path: path, Code: CodeInvalidPath}
	}

	f, err := os.Open(filepath.Join(d.Root, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NotFound(path)
		}
		return nil, &AssetError{Op: "load", Path: path, Code: CodeLoadFailed, Cause: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &AssetError{Op: "decode", Path: path, Code: CodeDecodeFailed, Cause: err}
	}
	return img, nil
}

// Paths lists every decodable image under Root, sorted.
func (d *DirSource) Paths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.Root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !supportedExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// MapSource serves images held in memory. It is safe for concurrent use.
type MapSource struct {
	mu     sync.RWMutex
	images map[string]image.Image
}

func NewMapSource() *MapSource {
	return &MapSource{images: make(map[string]image.Image)}
}

// Put registers img under path, replacing any previous image.
func (m *MapSource) Put(path string, img image.Image) {
	m.mu.Lock()
	m.images[path] = img
	m.mu.Unlock()
}

// Remove forgets path.
func (m *MapSource) Remove(path string) {
	m.mu.Lock()
	delete(m.images, path)
	m.mu.Unlock()
}

func (m *MapSource) Load(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	img, ok := m.images[path]
	m.mu.RUnlock()
	if !ok {
		return nil, NotFound(path)
	}
	return img, nil
}
