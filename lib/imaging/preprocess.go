// Copyright 2026 Lumen Bio, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package imaging normalizes microscopy tiles into the tensor layout the
// embedding model expects.
package imaging

import (
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"os"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// DefaultRescaleFactor maps 8-bit intensities into [0, 1].
const DefaultRescaleFactor = float32(1.0 / 255.0)

// DecodeError reports a tile that could not be decoded or converted.
// It is always recoverable: the caller skips the tile and keeps going.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding tile %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Tensor holds preprocessed pixel values in NCHW order (batch dimension of 1
// implied), ready for model input.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Config controls the target geometry and intensity scaling.
type Config struct {
	// Width and Height are the spatial dimensions the model expects.
	Width  int
	Height int

	// RescaleFactor scales raw 8-bit intensities. Zero means DefaultRescaleFactor.
	RescaleFactor float32

	// Mean and Std, when set, apply per-channel normalization after rescaling.
	Mean *[3]float32
	Std  *[3]float32
}

// DefaultConfig matches the common 224x224 ViT input geometry.
func DefaultConfig() Config {
	return Config{Width: 224, Height: 224}
}

// Preprocessor converts tile files into model input tensors. It holds no
// state beyond its configuration and performs no caching.
type Preprocessor struct {
	cfg Config
}

// NewPreprocessor creates a Preprocessor, filling in zero-valued config
// fields with defaults.
func NewPreprocessor(cfg Config) *Preprocessor {
	if cfg.Width <= 0 {
		cfg.Width = 224
	}
	if cfg.Height <= 0 {
		cfg.Height = 224
	}
	if cfg.RescaleFactor == 0 {
		cfg.RescaleFactor = DefaultRescaleFactor
	}
	return &Preprocessor{cfg: cfg}
}

// Preprocess decodes the tile at path, forces it to 3-channel RGB at the
// configured geometry, and returns a normalized NCHW tensor. Every failure
// along the way is reported as a *DecodeError; nothing here is fatal to the
// enclosing shard.
func (p *Preprocessor) Preprocess(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	img = p.resize(img)
	return p.toTensor(img), nil
}

// resize scales to the target dimensions with bilinear interpolation,
// skipping the pass entirely when the source already matches.
func (p *Preprocessor) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() == p.cfg.Width && bounds.Dy() == p.cfg.Height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

// toTensor extracts RGB intensities into NCHW order and applies the
// configured rescale and optional mean/std normalization.
func (p *Preprocessor) toTensor(img image.Image) *Tensor {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	pixels := make([]float32, 3*height*width)
	plane := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			// 0-65535 down to 0-255, then rescale
			rf := float32(r>>8) * p.cfg.RescaleFactor
			gf := float32(g>>8) * p.cfg.RescaleFactor
			bf := float32(b>>8) * p.cfg.RescaleFactor

			if p.cfg.Mean != nil && p.cfg.Std != nil {
				rf = (rf - p.cfg.Mean[0]) / p.cfg.Std[0]
				gf = (gf - p.cfg.Mean[1]) / p.cfg.Std[1]
				bf = (bf - p.cfg.Mean[2]) / p.cfg.Std[2]
			}

			pixels[0*plane+y*width+x] = rf
			pixels[1*plane+y*width+x] = gf
			pixels[2*plane+y*width+x] = bf
		}
	}

	return &Tensor{
		Data:     pixels,
		Channels: 3,
		Height:   height,
		Width:    width,
	}
}
