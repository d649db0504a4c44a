package staging

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Camelia/internal/model"
)

// Entry is a regular image file found in a directory.
type Entry struct {
	dir  string
	name string
	info fs.FileInfo
}

func (e Entry) Name() string { return e.name }

// Path returns the absolute path to the file.
func (e Entry) Path() string { return filepath.Join(e.dir, e.name) }

func (e Entry) Info() fs.FileInfo { return e.info }

// Images lists regular files with an image extension directly inside dir,
// sorted by name. It does not descend into subdirectories nor follow
// symlinks. A missing dir yields nothing.
func Images(ctx context.Context, dir string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(Entry{}, err)
			}
			return
		}
		defer func() {
			_ = root.Close()
		}()

		entries, err := fs.ReadDir(root.FS(), ".")
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, d := range entries {
			if ctx.Err() != nil {
				yield(Entry{}, ctx.Err())
				return
			}
			if !d.Type().IsRegular() || !model.IsImageName(d.Name()) {
				continue
			}
			info, err := d.Info()
			if err != nil {
				if !yield(Entry{}, err) {
					return
				}
				continue
			}
			if !yield(Entry{dir: root.Name(), name: d.Name(), info: info}, nil) {
				return
			}
		}
	}
}
