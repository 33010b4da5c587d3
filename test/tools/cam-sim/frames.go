package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
)

// testPattern renders frame n as a moving diagonal gradient so each frame
// differs from the last.
func testPattern(n, width, height, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	shift := n * 4
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x + shift),
				G: uint8(y + shift),
				B: uint8(x + y),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// frameSource yields the frames to send, either from files or generated.
type frameSource struct {
	files   [][]byte
	width   int
	height  int
	quality int
}

func newFrameSource(paths []string, width, height, quality int) (*frameSource, error) {
	fs := &frameSource{width: width, height: height, quality: quality}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
			return nil, fmt.Errorf("%s is not a JPEG file", p)
		}
		fs.files = append(fs.files, data)
	}
	return fs, nil
}

func (fs *frameSource) frame(n int) ([]byte, error) {
	if len(fs.files) > 0 {
		return fs.files[n%len(fs.files)], nil
	}
	return testPattern(n, fs.width, fs.height, fs.quality)
}
