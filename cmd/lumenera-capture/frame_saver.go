package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/lucamsrc"
)

// FrameSaver writes produced frames to disk as PNG or JPEG.
//
// Thread-safe: can be called from multiple goroutines concurrently.
type FrameSaver struct {
	outputDir     string
	format        string
	jpegQuality   int
	width         int
	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewFrameSaver creates a frame saver with given output directory and format.
//
// Format: "png" or "jpeg"
// JPEGQuality: 1-100 (only used for JPEG)
// Width: resize target; 0 keeps the native size
func NewFrameSaver(outputDir, format string, jpegQuality, width int) (*FrameSaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", format)
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range [1, 100]", jpegQuality)
	}
	return &FrameSaver{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
		width:       max(width, 0),
	}, nil
}

// SaveFrame saves a frame to disk.
//
// Filename format: frame_{offset:06d}_{captured}.{ext}
// Example: frame_000042_20251105_234517.123.png
func (fs *FrameSaver) SaveFrame(frame *lumenerasrc.Frame) error {
	img, err := frameToNRGBA(frame)
	if err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("RGB conversion failed: %w", err)
	}

	var out image.Image = img
	if fs.width > 0 && fs.width != frame.Width {
		out = imaging.Resize(img, fs.width, 0, imaging.Lanczos)
	}

	filename := fmt.Sprintf("frame_%06d_%s.%s",
		frame.Offset,
		frame.CapturedAt.Format("20060102_150405.000"),
		fs.format)

	if err := imaging.Save(out, filepath.Join(fs.outputDir, filename), imaging.JPEGQuality(fs.jpegQuality)); err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}

	fs.framesSaved.Add(1)
	return nil
}

// frameToNRGBA converts strided RGB rows to an opaque image.NRGBA.
func frameToNRGBA(frame *lumenerasrc.Frame) (*image.NRGBA, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", frame.Width, frame.Height)
	}
	if frame.Stride < frame.Width*3 || len(frame.Data) < frame.Stride*(frame.Height-1)+frame.Width*3 {
		return nil, fmt.Errorf("invalid RGB data size: got %d bytes for %dx%d stride %d",
			len(frame.Data), frame.Width, frame.Height, frame.Stride)
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		row := frame.Data[y*frame.Stride:]
		pix := img.Pix[y*img.Stride:]
		for x := 0; x < frame.Width; x++ {
			pix[x*4+0] = row[x*3+0]
			pix[x*4+1] = row[x*3+1]
			pix[x*4+2] = row[x*3+2]
			pix[x*4+3] = 255
		}
	}
	return img, nil
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load()
}
