// Package asset defines the resident texture representation shared by the
// optimizer, the cache store and the streaming scheduler, together with the
// Source abstraction the engine loads raw images through.
package asset

import (
	"errors"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// Format identifies how an Asset's Data is laid out in memory.
type Format int

const (
	// FormatRGBA8 is uncompressed, row-major 8-bit RGBA.
	FormatRGBA8 Format = iota
	// FormatS2 is RGBA8 pixels packed with the s2 block codec.
	FormatS2
	// FormatZstd is RGBA8 pixels packed as a zstd frame.
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatS2:
		return "s2"
	case FormatZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Asset is the resident, platform-optimized form of an image.
type Asset struct {
	Path   string
	Width  int
	Height int
	Format Format
	Data   []byte

	// MipChain is set when a lower-resolution detail chain is accounted
	// for on top of the base level.
	MipChain bool
}

// ByteSize returns the base resident payload size, without detail-chain
// expansion.
func (a *Asset) ByteSize() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Compressed reports whether Data holds an encoded payload rather than raw pixels.
func (a *Asset) Compressed() bool {
	return a != nil && a.Format != FormatRGBA8
}

func (a *Asset) String() string {
	return fmt.Sprintf("%s(%dx%d %s %dB)", a.Path, a.Width, a.Height, a.Format, len(a.Data))
}

// FromImage copies img into an uncompressed RGBA8 asset.
func FromImage(path string, img image.Image) *Asset {
	rgba := ToRGBA(img)
	b := rgba.Bounds()
	return &Asset{
		Path:   path,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: FormatRGBA8,
		Data:   rgba.Pix,
	}
}

// ToRGBA returns a tightly packed *image.RGBA anchored at the origin. The
// result never shares pixel memory with img.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		pix := make([]byte, 4*b.Dx()*b.Dy())
		copy(pix, rgba.Pix)
		return &image.RGBA{Pix: pix, Stride: rgba.Stride, Rect: b}
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// ErrorCode classifies asset failures.
type ErrorCode string

const (
	CodeNotFound     ErrorCode = "ASSET_NOT_FOUND"
	CodeInvalidPath  ErrorCode = "INVALID_PATH"
	CodeDecodeFailed ErrorCode = "DECODE_FAILED"
	CodeLoadFailed   ErrorCode = "LOAD_FAILED"
)

// ErrAssetNotFound is returned (wrapped) when a source has no such path.
var ErrAssetNotFound = errors.New("asset not found")

// AssetError describes a failure loading a single path.
type AssetError struct {
	Op    string
	Path  string
	Code  ErrorCode
	Cause error
}

func (e *AssetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("asset %s %q failed [%s]: %v", e.Op, e.Path, e.Code, e.Cause)
	}
	return fmt.Sprintf("asset %s %q failed [%s]", e.Op, e.Path, e.Code)
}

func (e *AssetError) Unwrap() error {
	return e.Cause
}

// NotFound builds the error sources return for unknown paths.
func NotFound(path string) error {
	return &AssetError{Op: "load", Path: path, Code: CodeNotFound, Cause: ErrAssetNotFound}
}

// IsNotFound reports whether err means the source has no such path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAssetNotFound)
}
