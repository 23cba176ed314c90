// Package optimizer turns decoded source images into resident assets:
// a nearest-neighbour downscale to the platform's maximum dimension followed
// by an optional re-encode with the codec registered for the platform profile.
package optimizer

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	xdraw "golang.org/x/image/draw"

	"texstream/internal/asset"
)

// ErrOptimizationFailed marks a transform failure. It is always recoverable
// by falling back to the resized or raw form.
var ErrOptimizationFailed = errors.New("optimization failed")

// OptimizationError carries the failing stage. When Stage is "encode" the
// Optimize call also returns the resized asset.
type OptimizationError struct {
	Stage string
	Path  string
	Cause error
}

func (e *OptimizationError) Error() string {
	return fmt.Sprintf("optimize %q: %s stage failed: %v", e.Path, e.Stage, e.Cause)
}

func (e *OptimizationError) Unwrap() error { return e.Cause }

func (e *OptimizationError) Is(target error) bool { return target == ErrOptimizationFailed }

// Options configures an Optimizer.
type Options struct {
	MaxResidentDimension int
	Profile              Profile
	GenerateMipChain     bool
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	maxDim  int
	profile Profile
	mips    bool

	mu     sync.RWMutex
	codecs map[Profile]Codec
}

// New creates an optimizer with the built-in codecs registered.
func New(opts Options) (*Optimizer, error) {
	if opts.MaxResidentDimension < 0 {
		return nil, fmt.Errorf("max resident dimension must be >= 0, got %d", opts.MaxResidentDimension)
	}
	if opts.Profile == "" {
		opts.Profile = ProfileDesktop
	}
	if _, err := ParseProfile(string(opts.Profile)); err != nil {
		return nil, err
	}
	codecs, err := defaultCodecs()
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		maxDim:  opts.MaxResidentDimension,
		profile: opts.Profile,
		mips:    opts.GenerateMipChain,
		codecs:  codecs,
	}, nil
}

// RegisterCodec replaces the codec used for profile p.
func (o *Optimizer) RegisterCodec(p Profile, c Codec) {
	o.mu.Lock()
	o.codecs[p] = c
	o.mu.Unlock()
}

func (o *Optimizer) Profile() Profile { return o.profile }

func (o *Optimizer) MaxResidentDimension() int { return o.maxDim }

// TargetSize returns the resident dimensions for a w x h source: a uniform
// downscale by min(maxDim/w, maxDim/h), never an upscale. A maxDim of zero
// disables resizing.
func TargetSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	scale := math.Min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	nw := min(maxDim, max(1, int(math.Round(float64(w)*scale))))
	nh := min(maxDim, max(1, int(math.Round(float64(h)*scale))))
	return nw, nh
}

// Resize downscales img to the configured maximum dimension.
func (o *Optimizer) Resize(img image.Image) (*image.RGBA, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty image bounds %v", b)
	}
	w, h := TargetSize(b.Dx(), b.Dy(), o.maxDim)
	if w == b.Dx() && h == b.Dy() {
		return asset.ToRGBA(img), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst, nil
}

// Optimize produces the resident form of img. On an encode failure it
// returns the resized asset together with an error matching
// ErrOptimizationFailed; on a resize failure the asset is nil.
func (o *Optimizer) Optimize(path string, img image.Image, compress bool) (a *asset.Asset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OptimizationError{Stage: "transform", Path: path, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	rgba, err := o.Resize(img)
	if err != nil {
		return nil, &OptimizationError{Stage: "resize", Path: path, Cause: err}
	}
	resized := &asset.Asset{
		Path:     path,
		Width:    rgba.Rect.Dx(),
		Height:   rgba.Rect.Dy(),
		Format:   asset.FormatRGBA8,
		Data:     rgba.Pix,
		MipChain: o.mips,
	}
	if !compress {
		return resized, nil
	}

	codec := o.codec(o.profile)
	if codec == nil {
		return resized, &OptimizationError{Stage: "encode", Path: path, Cause: fmt.Errorf("no codec for profile %q", o.profile)}
	}
	a = resized
	data, err := codec.Encode(resized.Data)
	if err != nil {
		return resized, &OptimizationError{Stage: "encode", Path: path, Cause: err}
	}
	return &asset.Asset{
		Path:     path,
		Width:    resized.Width,
		Height:   resized.Height,
		Format:   codec.Format(),
		Data:     data,
		MipChain: o.mips,
	}, nil
}

// Decode expands a resident asset back to RGBA pixels.
func (o *Optimizer) Decode(a *asset.Asset) (*image.RGBA, error) {
	pix := a.Data
	if a.Compressed() {
		codec := o.codecForFormat(a.Format)
		if codec == nil {
			return nil, fmt.Errorf("no codec registered for format %s", a.Format)
		}
		var err error
		if pix, err = codec.Decode(a.Data); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", a.Path, err)
		}
	}
	if len(pix) != a.Width*a.Height*4 {
		return nil, fmt.Errorf("decoded %d bytes, expected %d for %dx%d", len(pix), a.Width*a.Height*4, a.Width, a.Height)
	}
	return &image.RGBA{Pix: pix, Stride: a.Width * 4, Rect: image.Rect(0, 0, a.Width, a.Height)}, nil
}

func (o *Optimizer) codec(p Profile) Codec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.codecs[p]
}

func (o *Optimizer) codecForFormat(f asset.Format) Codec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if c := o.codecs[o.profile]; c != nil && c.Format() == f {
		return c
	}
	for _, c := range o.codecs {
		if c.Format() == f {
			return c
		}
	}
	return nil
}
