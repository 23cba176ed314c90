package optimizer

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"texstream/internal/asset"
)

// Profile selects the compact resident encoding for a platform class.
type Profile string

const (
	ProfileMobile        Profile = "mobile"
	ProfileHighEndMobile Profile = "high-end-mobile"
	ProfileDesktop       Profile = "desktop"
)

// ParseProfile accepts the configuration spelling of a profile.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileMobile, ProfileHighEndMobile, ProfileDesktop:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform encoding profile: %q", s)
	}
}

// Codec packs RGBA8 pixel data into a compact resident payload.
// Implementations must be safe for concurrent use.
type Codec interface {
	Format() asset.Format
	Encode(pix []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// s2Codec trades ratio for very cheap encode and decode; suited to mobile CPUs.
type s2Codec struct{}

func NewS2Codec() Codec { return s2Codec{} }

func (s2Codec) Format() asset.Format { return asset.FormatS2 }

func (s2Codec) Encode(pix []byte) ([]byte, error) {
	return s2.Encode(nil, pix), nil
}

func (s2Codec) Decode(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a zstd codec at the given encoder level.
func NewZstdCodec(level zstd.EncoderLevel) (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Format() asset.Format { return asset.FormatZstd }

func (z *zstdCodec) Encode(pix []byte) ([]byte, error) {
	return z.enc.EncodeAll(pix, make([]byte, 0, len(pix)/4)), nil
}

func (z *zstdCodec) Decode(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

// defaultCodecs returns the built-in codec for every profile.
func defaultCodecs() (map[Profile]Codec, error) {
	fastest, err := NewZstdCodec(zstd.SpeedFastest)
	if err != nil {
		return nil, err
	}
	better, err := NewZstdCodec(zstd.SpeedBetterCompression)
	if err != nil {
		return nil, err
	}
	return map[Profile]Codec{
		ProfileMobile:        NewS2Codec(),
		ProfileHighEndMobile: fastest,
		ProfileDesktop:       better,
	}, nil
}
