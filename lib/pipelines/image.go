// Copyright 2025 Antfly, Inc.
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

// Package pipelines contains preprocessing pipelines that turn raw inputs
// into the tensors the encoders consume.
package pipelines

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageConfig configures the vision preprocessing pipeline.
type ImageConfig struct {
	// Size is the target side length. The shorter image side is resized to
	// Size, then a Size x Size center crop is taken.
	Size int
	// Channels is the number of output channels.
	Channels int
	// RescaleFactor maps 0-255 pixel values into the unit range.
	RescaleFactor float32
	// Mean and Std are the per-channel normalization constants.
	Mean [3]float32
	Std  [3]float32
}

// DefaultImageConfig returns the preprocessing constants CLIP checkpoints
// were trained with.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Size:          224,
		Channels:      3,
		RescaleFactor: 1.0 / 255.0,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
}

// ImageProcessor handles image preprocessing for the vision encoder.
type ImageProcessor struct {
	Config *ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *ImageConfig) *ImageProcessor {
	if config == nil {
		config = DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// ProcessBytes preprocesses an image from bytes.
// Returns pixel values in NCHW format [channels, height, width] as a flat slice.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img)
}

// ProcessReader preprocesses an image from a reader.
// Returns pixel values in NCHW format [channels, height, width] as a flat slice.
func (p *ImageProcessor) ProcessReader(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img)
}

// Process preprocesses a decoded image.
// The shorter side is resized to Config.Size, a center crop of
// Size x Size is taken, and the pixels are rescaled and normalized.
// Returns pixel values in NCHW format [channels, height, width] as a flat slice.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	size := p.Config.Size
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}

	img = resizeShorterSide(img, size)
	img = centerCrop(img, size)

	return p.toTensor(img), nil
}

// ProcessBatch preprocesses multiple images.
// Returns pixel values in NCHW format [batch, channels, height, width] as a flat slice.
func (p *ImageProcessor) ProcessBatch(images []image.Image) ([]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}

	c, s := p.Config.Channels, p.Config.Size
	result := make([]float32, len(images)*c*s*s)

	for i, img := range images {
		pixels, err := p.Process(img)
		if err != nil {
			return nil, fmt.Errorf("processing image %d: %w", i, err)
		}
		copy(result[i*c*s*s:], pixels)
	}

	return result, nil
}

// toTensor converts an image to a normalized float tensor in NCHW format.
func (p *ImageProcessor) toTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	// Allocate in NCHW format: [channels, height, width]
	pixels := make([]float32, p.Config.Channels*height*width)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			r, g, b, _ := c.RGBA()

			// Convert from 0-65535 to 0-255, then apply rescale factor
			rf := float32(r>>8) * p.Config.RescaleFactor
			gf := float32(g>>8) * p.Config.RescaleFactor
			bf := float32(b>>8) * p.Config.RescaleFactor

			// Normalize with mean and std
			rf = (rf - p.Config.Mean[0]) / p.Config.Std[0]
			gf = (gf - p.Config.Mean[1]) / p.Config.Std[1]
			bf = (bf - p.Config.Mean[2]) / p.Config.Std[2]

			pixels[0*height*width+y*width+x] = rf
			pixels[1*height*width+y*width+x] = gf
			pixels[2*height*width+y*width+x] = bf
		}
	}

	return pixels
}

// resizeShorterSide scales an image so its shorter side equals size,
// preserving aspect ratio.
func resizeShorterSide(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var targetWidth, targetHeight int
	if width <= height {
		targetWidth = size
		targetHeight = int(float64(height) * float64(size) / float64(width))
	} else {
		targetHeight = size
		targetWidth = int(float64(width) * float64(size) / float64(height))
	}

	return resize(img, targetWidth, targetHeight)
}

// centerCrop performs center cropping on an image.
func centerCrop(img image.Image, size int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	cropWidth := size
	cropHeight := size
	if width < cropWidth {
		cropWidth = width
	}
	if height < cropHeight {
		cropHeight = height
	}

	left := (width - cropWidth) / 2
	top := (height - cropHeight) / 2

	return cropImage(img, left, top, cropWidth, cropHeight)
}

// cropImage extracts a rectangular region from an image.
func cropImage(img image.Image, x, y, width, height int) image.Image {
	bounds := img.Bounds()
	cropped := image.NewRGBA(image.Rect(0, 0, width, height))

	for dy := 0; dy < height; dy++ {
		for dx := 0; dx < width; dx++ {
			srcX := bounds.Min.X + x + dx
			srcY := bounds.Min.Y + y + dy
			if srcX < bounds.Max.X && srcY < bounds.Max.Y {
				cropped.Set(dx, dy, img.At(srcX, srcY))
			}
		}
	}

	return cropped
}

// resize performs bilinear interpolation to resize an image.
func resize(img image.Image, targetWidth, targetHeight int) image.Image {
	bounds := img.Bounds()
	srcWidth := bounds.Dx()
	srcHeight := bounds.Dy()

	if srcWidth == targetWidth && srcHeight == targetHeight {
		return img
	}

	resized := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))

	xRatio := float64(srcWidth) / float64(targetWidth)
	yRatio := float64(srcHeight) / float64(targetHeight)

	for y := 0; y < targetHeight; y++ {
		for x := 0; x < targetWidth; x++ {
			srcX := float64(x) * xRatio
			srcY := float64(y) * yRatio

			c := bilinearInterpolate(img, srcX, srcY, bounds)
			resized.Set(x, y, c)
		}
	}

	return resized
}

// bilinearInterpolate performs bilinear interpolation at floating-point coordinates.
func bilinearInterpolate(img image.Image, x, y float64, bounds image.Rectangle) color.Color {
	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1

	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	if x1 >= bounds.Max.X {
		x1 = bounds.Max.X - 1
	}
	if y1 >= bounds.Max.Y {
		y1 = bounds.Max.Y - 1
	}

	c00 := img.At(x0, y0)
	c01 := img.At(x0, y1)
	c10 := img.At(x1, y0)
	c11 := img.At(x1, y1)

	xWeight := x - float64(x0)
	yWeight := y - float64(y0)

	r00, g00, b00, a00 := c00.RGBA()
	r01, g01, b01, a01 := c01.RGBA()
	r10, g10, b10, a10 := c10.RGBA()
	r11, g11, b11, a11 := c11.RGBA()

	r := interpolate(r00, r01, r10, r11, xWeight, yWeight)
	g := interpolate(g00, g01, g10, g11, xWeight, yWeight)
	b := interpolate(b00, b01, b10, b11, xWeight, yWeight)
	a := interpolate(a00, a01, a10, a11, xWeight, yWeight)

	return color.RGBA64{
		R: uint16(r),
		G: uint16(g),
		B: uint16(b),
		A: uint16(a),
	}
}

// interpolate performs bilinear interpolation on a single value.
func interpolate(v00, v01, v10, v11 uint32, xWeight, yWeight float64) float64 {
	top := float64(v00)*(1-xWeight) + float64(v10)*xWeight
	bottom := float64(v01)*(1-xWeight) + float64(v11)*xWeight

	return top*(1-yWeight) + bottom*yWeight
}
