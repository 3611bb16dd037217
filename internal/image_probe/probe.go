package image_probe

import (
	"bytes"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

type Info struct {
	Format string
	Width  int
	Height int
}

// Prober checks that downloaded tile bytes are a decodable raster image.
// Tile servers sometimes answer 200 with an HTML or JSON body.
type Prober struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Prober {
	return &Prober{logger: logger}
}

func (p *Prober) Probe(data []byte) (*Info, error) {
	format := detectFormat(data)
	if format == "" {
		return nil, fmt.Errorf("unrecognised image payload (%d bytes)", len(data))
	}

	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", format, err)
	}
	defer image.Close()

	width := image.Width()
	height := image.Height()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid %s dimensions %dx%d", format, width, height)
	}

	return &Info{Format: format, Width: width, Height: height}, nil
}

// Validate satisfies map_cache.Validator.
func (p *Prober) Validate(data []byte) error {
	info, err := p.Probe(data)
	if err != nil {
		return err
	}
	p.logger.Debug("Tile payload ok",
		zap.String("format", info.Format),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
	)
	return nil
}

var (
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

func detectFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "png"
	case bytes.HasPrefix(data, jpegMagic):
		return "jpeg"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}
