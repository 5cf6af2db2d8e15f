package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
)

// Entry is a single item of a walked tree.
type Entry interface {
	// Path is the slash separated path relative to the walked root, "." for
	// the root itself.
	Path() string
	Info() fs.FileInfo
	// Open opens a regular file for reading
	Open() (io.ReadCloser, error)
	// Link returns the target of a symlink
	Link() (string, error)
}

// Root walks an os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root, skip ...string) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), func(name string) (string, error) {
		return root.Readlink(name)
	}, skip...)
}

// FS recursively walks the filesystem and yields directories, regular files
// and symlinks in lexical order. Other file types (sockets, devices, pipes)
// are silently skipped. Symlinks are never followed. Paths listed in skip,
// relative to the root, are left out together with their content.
// readlink may be nil, Link of symlink entries then fails.
func FS(ctx context.Context, root fs.FS, readlink func(string) (string, error), skip ...string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		skipped[path.Clean(s)] = struct{}{}
	}

	return func(yield func(Entry, error) bool) {
		fn := func(name string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return fs.SkipAll
			}
			if _, ok := skipped[name]; ok {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if err != nil {
				if !yield(nil, err) {
					return fs.SkipAll
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				if !yield(nil, err) {
					return fs.SkipAll
				}
				return nil
			}
			mode := info.Mode()
			if !mode.IsDir() && !mode.IsRegular() && mode&fs.ModeSymlink == 0 {
				return nil
			}

			entry := fsEntry{
				root:     root,
				readlink: readlink,
				path:     name,
				info:     info,
			}
			if !yield(entry, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

type fsEntry struct {
	root     fs.FS
	readlink func(string) (string, error)
	path     string
	info     fs.FileInfo
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) Info() fs.FileInfo {
	return e.info
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	return e.root.Open(e.path)
}

func (e fsEntry) Link() (string, error) {
	if e.readlink == nil {
		return "", &fs.PathError{Op: "readlink", Path: e.path, Err: fs.ErrInvalid}
	}
	return e.readlink(e.path)
}
