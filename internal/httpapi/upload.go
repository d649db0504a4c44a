package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

// enough for filetype to recognize every image format
const sniffLen = 262

var errNotImage = errors.New("not an image")

// saveUploads stores every acceptable uploaded file in dir and returns
// their paths. A file is accepted if its name has an image extension and
// its content is recognized as an image. Rejected files are logged and
// skipped, duplicate names keep the first file.
func saveUploads(ctx context.Context, dir string, headers []*multipart.FileHeader) ([]string, error) {
	var saved []string
	seen := make(map[string]struct{}, len(headers))
	for _, fh := range headers {
		name, err := uploadName(fh.Filename)
		if err != nil {
			slog.WarnContext(ctx, "upload rejected", "file", fh.Filename, "error", err)
			continue
		}
		if _, ok := seen[name]; ok {
			slog.WarnContext(ctx, "upload rejected", "file", fh.Filename, "error", "duplicate name")
			continue
		}
		path := filepath.Join(dir, name)
		err = saveImage(fh, path)
		switch {
		case errors.Is(err, errNotImage):
			slog.WarnContext(ctx, "upload rejected", "file", fh.Filename, "error", err)
			continue
		case err != nil:
			return nil, fmt.Errorf("saving %s: %w", name, err)
		}
		seen[name] = struct{}{}
		saved = append(saved, path)
	}
	return saved, nil
}

// uploadName strips any directory part a client sent and checks the
// extension.
func uploadName(filename string) (string, error) {
	name := filename[strings.LastIndexAny(filename, `/\`)+1:]
	name, err := staging.SafeName(name)
	if err != nil {
		return "", err
	}
	if !model.IsImageName(name) {
		return "", fmt.Errorf("%q: extension not allowed", name)
	}
	return name, nil
}

func saveImage(fh *multipart.FileHeader, path string) (err error) {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	head = head[:n]
	if !filetype.IsImage(head) {
		return fmt.Errorf("%s: %w", fh.Filename, errNotImage)
	}

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dst.Close())
	}()
	if _, err := dst.Write(head); err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}
