// Package imgconv re-encodes result images into the format a client asks
// for.
package imgconv

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	_ "golang.org/x/image/webp"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
	GIF  Format = "gif"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

const jpegQuality = 95

// ParseFormat accepts a format name or a file extension, with or without
// the leading dot. "jpg" and "tif" are aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	case "gif":
		return GIF, nil
	case "bmp":
		return BMP, nil
	case "tiff", "tif":
		return TIFF, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
}

func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return "." + string(f)
}

// Convert decodes an image in any supported format and encodes it as to.
// The dimensions are kept.
func Convert(r io.Reader, to Format) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, img, to); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Encode(w io.Writer, img image.Image, to Format) error {
	var err error
	switch to {
	case PNG:
		err = png.Encode(w, img)
	case JPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case WebP:
		err = nativewebp.Encode(w, img, nil)
	case GIF:
		err = gif.Encode(w, img, nil)
	case BMP:
		err = bmp.Encode(w, img)
	case TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%q: %w", to, ErrUnsupportedFormat)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", to, err)
	}
	return nil
}

// ReplaceExt swaps the extension of name for the one of f.
func ReplaceExt(name string, f Format) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + f.Ext()
}
