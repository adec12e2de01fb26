package sim

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/samber/lo"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// ConvertToRGB24 implements device.Camera.
//
// Demosaicing is nearest-neighbour over 2x2 RGGB cells whatever the
// requested method. Hue, saturation and the correction matrix are ignored.
func (c *Camera) ConvertToRGB24(dst, raw []byte, f device.ImageFormat, p device.ConversionParams) error {
	// Conversions run once per frame and stay out of the call log.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &device.CallError{Op: "ConvertToRGB24", Code: CodeNotOpen}
	}
	sensorFlipX := c.props[device.PropFlippingX] != 0
	sensorFlipY := c.props[device.PropFlippingY] != 0
	residual := c.digital
	c.mu.Unlock()
	if err := c.drv.failure("ConvertToRGB24"); err != nil {
		return err
	}

	w, h := f.Width, f.Height
	if w < 2 || h < 2 || len(raw) < w*h || len(dst) < w*h*3 {
		return &device.CallError{Op: "ConvertToRGB24", Code: CodeInvalidParam}
	}

	digital := [3]float64{p.DigitalGainRed, p.DigitalGainGreen, p.DigitalGainBlue}
	for i := range digital {
		if digital[i] == 0 {
			digital[i] = 1
		}
		digital[i] *= residual[i]
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		by := min(y&^1, h-2)
		for x := 0; x < w; x++ {
			bx := min(x&^1, w-2)
			r := float64(raw[by*w+bx])
			g := (float64(raw[by*w+bx+1]) + float64(raw[(by+1)*w+bx])) / 2
			b := float64(raw[(by+1)*w+bx+1])

			i := img.PixOffset(x, y)
			img.Pix[i+0] = byte(lo.Clamp(r*digital[0], 0, 255))
			img.Pix[i+1] = byte(lo.Clamp(g*digital[1], 0, 255))
			img.Pix[i+2] = byte(lo.Clamp(b*digital[2], 0, 255))
			img.Pix[i+3] = 0xff
		}
	}

	if sensorFlipX != p.FlipX {
		img = imaging.FlipH(img)
	}
	if sensorFlipY != p.FlipY {
		img = imaging.FlipV(img)
	}

	for i, j := 0, 0; i < w*h*4; i, j = i+4, j+3 {
		dst[j+0] = img.Pix[i+0]
		dst[j+1] = img.Pix[i+1]
		dst[j+2] = img.Pix[i+2]
	}
	return nil
}

// OneShotAutoWhiteBalance implements device.Camera using a gray-world
// estimate over the window of the last streamed frame. Red and blue gains
// are scaled so their mean matches green.
func (c *Camera) OneShotAutoWhiteBalance(x, y, width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("OneShotAutoWhiteBalance"); err != nil {
		return err
	}
	raw, ok := c.windowLocked(x, y, width, height)
	if !ok {
		return &device.CallError{Op: "OneShotAutoWhiteBalance", Code: CodeInvalidParam}
	}

	mean := siteMeans(raw, c.format.Width, x, y, width, height)
	if mean[0] == 0 || mean[2] == 0 {
		return nil
	}
	for _, adj := range []struct {
		id   device.PropertyID
		mean float64
	}{
		{device.PropGainRed, mean[0]},
		{device.PropGainBlue, mean[2]},
	} {
		r := c.ranges[adj.id]
		c.props[adj.id] = r.Clamp(c.props[adj.id] * mean[1] / adj.mean)
	}
	c.digital = [3]float64{1, 1, 1}
	return nil
}

// DigitalWhiteBalance implements device.Camera. It derives residual
// per-channel conversion gains from the last streamed frame.
func (c *Camera) DigitalWhiteBalance(x, y, width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DigitalWhiteBalance"); err != nil {
		return err
	}
	raw, ok := c.windowLocked(x, y, width, height)
	if !ok {
		return &device.CallError{Op: "DigitalWhiteBalance", Code: CodeInvalidParam}
	}

	mean := siteMeans(raw, c.format.Width, x, y, width, height)
	if mean[0] == 0 || mean[2] == 0 {
		return nil
	}
	c.digital = [3]float64{
		lo.Clamp(mean[1]/mean[0], 0.5, 2),
		1,
		lo.Clamp(mean[1]/mean[2], 0.5, 2),
	}
	return nil
}

// windowLocked validates a white balance window against the sensor and
// returns the last streamed frame. White balance needs live video.
func (c *Camera) windowLocked(x, y, width, height int) ([]byte, bool) {
	if !c.streaming || c.lastRaw == nil {
		return nil, false
	}
	if x < 0 || y < 0 || width <= 0 || height <= 0 ||
		x+width > c.format.Width || y+height > c.format.Height {
		return nil, false
	}
	return c.lastRaw, true
}
