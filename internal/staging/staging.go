// Package staging defines where a job's inputs, intermediate artifacts and
// results live on disk.
//
// Every job owns an isolated tree keyed by its id, so concurrent jobs never
// touch each other's files:
//
//	<root>/<job>/input/<variant>/   uploaded images, stage 1 input
//	<root>/<job>/images/            stage 1 output, normalized originals
//	<root>/<job>/masks/             stage 1 output, region masks
//	<root>/<job>/output/            stage 2 output
//	<root>/<job>/debug/             stage 2 debug output
//	<output>/<job>/                 collected results
//
// Uploads are received into <root>/uploads/ before a job exists.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Camelia/internal/model"

	"golang.org/x/sync/errgroup"
)

var ErrInvalidName = errors.New("invalid path")

const uploadsDir = "uploads"

// Root is the top of the staging layout shared by all jobs.
type Root struct {
	staging string
	output  string
}

func New(stagingDir, outputDir string) (*Root, error) {
	var err error
	r := &Root{}
	r.staging, err = filepath.Abs(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	r.output, err = filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	for _, d := range []string{r.staging, r.output, filepath.Join(r.staging, uploadsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return r, nil
}

// NewUploadDir creates a fresh directory for receiving uploaded files.
func (r *Root) NewUploadDir() (string, error) {
	return os.MkdirTemp(filepath.Join(r.staging, uploadsDir), "upload-*")
}

// Area returns the staging tree of a job. It does not touch the filesystem.
func (r *Root) Area(jobID string) (*Area, error) {
	id, err := SafeName(jobID)
	if err != nil {
		return nil, err
	}
	if id == uploadsDir {
		return nil, fmt.Errorf("%q: %w", jobID, ErrInvalidName)
	}
	return &Area{
		dir:     filepath.Join(r.staging, id),
		results: filepath.Join(r.output, id),
	}, nil
}

// Dirs are the directories handed to the pipeline stages.
type Dirs struct {
	Root    string // parent of Images and Masks
	Input   string
	Images  string
	Masks   string
	Output  string
	Debug   string
	Variant model.Variant
}

// Area is the staging tree of a single job.
type Area struct {
	dir     string
	results string
}

func (a *Area) Dir() string     { return a.dir }
func (a *Area) Results() string { return a.results }

func (a *Area) Dirs(variant model.Variant) Dirs {
	return dirs(a.dir, variant)
}

func dirs(root string, variant model.Variant) Dirs {
	return Dirs{
		Root:    root,
		Input:   filepath.Join(root, "input", string(variant)),
		Images:  filepath.Join(root, "images"),
		Masks:   filepath.Join(root, "masks"),
		Output:  filepath.Join(root, "output"),
		Debug:   filepath.Join(root, "debug"),
		Variant: variant,
	}
}

// Prepare creates the job tree and removes anything left there from a
// previous run, so stale files never reach stage 1.
func (a *Area) Prepare(variant model.Variant) error {
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("clearing %s: %w", a.dir, err)
	}
	d := a.Dirs(variant)
	for _, p := range []string{d.Input, d.Images, d.Masks, d.Output, d.Debug, a.results} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", p, err)
		}
	}
	return nil
}

// Stage copies input images into the variant input folder. onStaged is
// called once per copied file; copies run in parallel.
func (a *Area) Stage(ctx context.Context, variant model.Variant, srcs []string, onStaged func(name string)) ([]string, error) {
	input := a.Dirs(variant).Input
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	names := make([]string, len(srcs))
	for i, src := range srcs {
		name, err := SafeName(filepath.Base(src))
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	for i, src := range srcs {
		name := names[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := copyFile(src, filepath.Join(input, name)); err != nil {
				return fmt.Errorf("staging %s: %w", name, err)
			}
			if onStaged != nil {
				onStaged(name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

// Collect moves every image found directly in from into the results
// directory and returns the artifacts sorted by name. accept, if not nil,
// filters the candidate file names.
func (a *Area) Collect(ctx context.Context, from string, accept func(name string) bool) ([]model.Artifact, error) {
	var ret []model.Artifact
	for entry, err := range Images(ctx, from) {
		if err != nil {
			return ret, err
		}
		if accept != nil && !accept(entry.Name()) {
			continue
		}
		dst := filepath.Join(a.results, entry.Name())
		if err := moveFile(entry.Path(), dst); err != nil {
			return ret, fmt.Errorf("collecting %s: %w", entry.Name(), err)
		}
		ret = append(ret, model.Artifact{Filename: entry.Name(), Path: dst})
	}
	return ret, nil
}

// Adopt moves a single file into the results directory under name.
func (a *Area) Adopt(src, name string) (model.Artifact, error) {
	name, err := SafeName(name)
	if err != nil {
		return model.Artifact{}, err
	}
	dst := filepath.Join(a.results, name)
	if err := os.MkdirAll(a.results, 0o755); err != nil {
		return model.Artifact{}, err
	}
	if err := moveFile(src, dst); err != nil {
		return model.Artifact{}, fmt.Errorf("adopting %s: %w", name, err)
	}
	return model.Artifact{Filename: name, Path: dst}, nil
}

// Result returns the path of a collected result.
func (a *Area) Result(filename string) (string, error) {
	return existing(a.results, filename)
}

// Original returns the staged original of filename: the normalized copy
// written by stage 1 if present, otherwise the uploaded input.
func (a *Area) Original(filename string) (string, error) {
	name, err := SafeName(filename)
	if err != nil {
		return "", err
	}
	if p, err := existing(filepath.Join(a.dir, "images"), name); err == nil {
		return p, nil
	}
	inputs, err := os.ReadDir(filepath.Join(a.dir, "input"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	for _, d := range inputs {
		if !d.IsDir() {
			continue
		}
		if p, err := existing(filepath.Join(a.dir, "input", d.Name()), name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, os.ErrNotExist)
}

// Scratch creates a call scoped tree inside the job area, used by one-off
// runs of a single stage.
func (a *Area) Scratch(prefix string, variant model.Variant) (Dirs, error) {
	root, err := os.MkdirTemp(a.dir, prefix+"-*")
	if err != nil {
		return Dirs{}, err
	}
	d := dirs(root, variant)
	for _, p := range []string{d.Images, d.Masks, d.Output, d.Debug} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return Dirs{}, errors.Join(err, os.RemoveAll(root))
		}
	}
	return d, nil
}

// Remove deletes both the staging tree and the results of the job.
func (a *Area) Remove() error {
	return errors.Join(
		os.RemoveAll(a.dir),
		os.RemoveAll(a.results),
	)
}

// SafeName accepts a plain file name and rejects anything which could
// address a file outside of its directory.
func SafeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") ||
		strings.Contains(name, "..") ||
		filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return name, nil
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	return copyFile(src, dst)
}

func existing(dir, filename string) (string, error) {
	name, err := SafeName(filename)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, name)
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return p, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	_, err = io.Copy(out, in)
	return err
}

// moveFile renames src to dst and falls back to copy and delete when both
// are on different filesystems.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return errors.Join(renameErr, err)
	}
	return os.Remove(src)
}
