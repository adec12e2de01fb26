//go:build lucam

// Package lucam binds the Lumenera USB camera SDK (lucamapi) on Linux.
//
// Build with -tags lucam and the SDK installed (headers and liblucamapi on
// the default search paths). Without the tag, Open reports that the driver
// is unavailable.
package lucam

/*
#cgo LDFLAGS: -llucamapi
#include <stdlib.h>
#include <lucamapi.h>

extern void lucamFrameCallback(void *context, BYTE *data, ULONG length);

static LONG lucam_add_callback(HANDLE h, void *context) {
	return LucamAddStreamingCallback(h, (void (*)(VOID *, BYTE *, ULONG))lucamFrameCallback, context);
}

// Frame format fields sit in anonymous unions; keep them on the C side.
static void lucam_frame_format_get(LUCAM_FRAME_FORMAT *f, int *x, int *y, int *w, int *h, int *pf, int *sx, int *sy) {
	*x = f->xOffset; *y = f->yOffset;
	*w = f->width; *h = f->height;
	*pf = f->pixelFormat;
	*sx = f->subSampleX; *sy = f->subSampleY;
}

static void lucam_frame_format_set(LUCAM_FRAME_FORMAT *f, int x, int y, int w, int h, int pf, int sx, int sy) {
	f->xOffset = x; f->yOffset = y;
	f->width = w; f->height = h;
	f->pixelFormat = pf;
	f->subSampleX = sx; f->subSampleY = sy;
	f->flagsX = 0; f->flagsY = 0;
}

static void lucam_conversion_set(LUCAM_CONVERSION_PARAMS *p, int demosaic, int matrix, int flipx, int flipy,
	float hue, float saturation, int colorGains, float r, float g, float b) {
	p->Size = sizeof(LUCAM_CONVERSION_PARAMS);
	p->DemosaicMethod = demosaic == 0 ? LUCAM_DM_FAST : LUCAM_DM_HIGHER_QUALITY;
	p->CorrectionMatrix = matrix ? LUCAM_CM_FLUORESCENT : LUCAM_CM_NONE;
	p->FlipX = flipx; p->FlipY = flipy;
	p->Hue = hue; p->Saturation = saturation;
	p->UseColorGainsOverWb = colorGains;
	p->DigitalGainRed = r; p->DigitalGainGreen = g; p->DigitalGainBlue = b;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	pointer "github.com/mattn/go-pointer"

	"github.com/e7canasta/lucamsrc/internal/device"
)

var propertyIDs = map[device.PropertyID]C.ULONG{
	device.PropExposure:         C.LUCAM_PROP_EXPOSURE,
	device.PropGain:             C.LUCAM_PROP_GAIN,
	device.PropGainRed:          C.LUCAM_PROP_GAIN_RED,
	device.PropGainGreen1:       C.LUCAM_PROP_GAIN_GREEN1,
	device.PropGainGreen2:       C.LUCAM_PROP_GAIN_GREEN2,
	device.PropGainBlue:         C.LUCAM_PROP_GAIN_BLUE,
	device.PropFlippingX:        C.LUCAM_PROP_FLIPPING_X,
	device.PropFlippingY:        C.LUCAM_PROP_FLIPPING_Y,
	device.PropTapConfiguration: C.LUCAM_PROP_TAP_CONFIGURATION,
}

var pixelFormats = map[C.ULONG]device.PixelFormat{
	C.LUCAM_PF_8:  device.PixelFormat8,
	C.LUCAM_PF_16: device.PixelFormat16,
	C.LUCAM_PF_24: device.PixelFormat24,
}

func lastError(op string) error {
	return &device.CallError{Op: op, Code: uint32(C.LucamGetLastError())}
}

// Driver opens cameras through the SDK. It implements device.Driver.
type Driver struct{}

// New returns an SDK driver.
func New() *Driver {
	return &Driver{}
}

// Open implements device.Driver.
func (d *Driver) Open(index int) (device.Camera, error) {
	if n := int(C.LucamNumCameras()); index < 1 || index > n {
		return nil, fmt.Errorf("lucam: open camera %d of %d: %w", index, n, device.ErrNotFound)
	}
	h := C.LucamCameraOpen(C.ULONG(index))
	if h == nil {
		return nil, fmt.Errorf("lucam: open camera %d: %w", index, device.ErrNotFound)
	}
	return &Camera{h: h, callbacks: make(map[device.CallbackID]unsafe.Pointer)}, nil
}

// Camera is an open SDK handle. It implements device.Camera.
type Camera struct {
	h C.HANDLE

	mu        sync.Mutex
	callbacks map[device.CallbackID]unsafe.Pointer // SDK id -> saved context
}

// Close implements device.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	for id, ctx := range c.callbacks {
		C.LucamRemoveStreamingCallback(c.h, C.LONG(id))
		pointer.Unref(ctx)
		delete(c.callbacks, id)
	}
	c.mu.Unlock()

	if C.LucamCameraClose(c.h) == 0 {
		return lastError("CameraClose")
	}
	return nil
}

// PropertyRange implements device.Camera.
func (c *Camera) PropertyRange(id device.PropertyID) (device.Range, error) {
	prop, ok := propertyIDs[id]
	if !ok {
		return device.Range{}, fmt.Errorf("lucam: unknown property %v", id)
	}
	var lo, hi, def C.FLOAT
	var flags C.LONG
	if C.LucamPropertyRange(c.h, prop, &lo, &hi, &def, &flags) == 0 {
		return device.Range{}, lastError("PropertyRange")
	}
	return device.Range{Min: float64(lo), Max: float64(hi), Default: float64(def)}, nil
}

// Property implements device.Camera.
func (c *Camera) Property(id device.PropertyID) (float64, error) {
	prop, ok := propertyIDs[id]
	if !ok {
		return 0, fmt.Errorf("lucam: unknown property %v", id)
	}
	var v C.FLOAT
	var flags C.LONG
	if C.LucamGetProperty(c.h, prop, &v, &flags) == 0 {
		return 0, lastError("GetProperty")
	}
	return float64(v), nil
}

// SetProperty implements device.Camera.
func (c *Camera) SetProperty(id device.PropertyID, value float64) error {
	prop, ok := propertyIDs[id]
	if !ok {
		return fmt.Errorf("lucam: unknown property %v", id)
	}
	var flags C.LONG
	if id == device.PropFlippingX || id == device.PropFlippingY {
		flags = C.LUCAM_PROP_FLAG_USE
	}
	if C.LucamSetProperty(c.h, prop, C.FLOAT(value), flags) == 0 {
		return lastError("SetProperty")
	}
	return nil
}

// FrameRates implements device.Camera.
func (c *Camera) FrameRates() ([]float64, error) {
	n := C.LucamEnumAvailableFrameRates(c.h, 0, nil)
	if n == 0 {
		return nil, lastError("EnumAvailableFrameRates")
	}
	buf := make([]C.FLOAT, int(n))
	C.LucamEnumAvailableFrameRates(c.h, n, &buf[0])

	rates := make([]float64, len(buf))
	for i, r := range buf {
		rates[i] = float64(r)
	}
	return rates, nil
}

// VideoImageFormat implements device.Camera.
func (c *Camera) VideoImageFormat() (device.ImageFormat, error) {
	var f C.LUCAM_IMAGE_FORMAT
	if C.LucamGetVideoImageFormat(c.h, &f) == 0 {
		return device.ImageFormat{}, lastError("GetVideoImageFormat")
	}
	return device.ImageFormat{
		Width:       int(f.Width),
		Height:      int(f.Height),
		PixelFormat: pixelFormats[f.PixelFormat],
		ImageSize:   int(f.ImageSize),
	}, nil
}

// Format implements device.Camera.
func (c *Camera) Format() (device.FrameFormat, float64, error) {
	var f C.LUCAM_FRAME_FORMAT
	var rate C.FLOAT
	if C.LucamGetFormat(c.h, &f, &rate) == 0 {
		return device.FrameFormat{}, 0, lastError("GetFormat")
	}
	var x, y, w, h, pf, sx, sy C.int
	C.lucam_frame_format_get(&f, &x, &y, &w, &h, &pf, &sx, &sy)
	return device.FrameFormat{
		XOffset:     int(x),
		YOffset:     int(y),
		Width:       int(w),
		Height:      int(h),
		PixelFormat: pixelFormats[C.ULONG(pf)],
		SubSampleX:  int(sx),
		SubSampleY:  int(sy),
	}, float64(rate), nil
}

// SetFormat implements device.Camera.
func (c *Camera) SetFormat(ff device.FrameFormat, frameRate float64) error {
	pf := C.int(C.LUCAM_PF_8)
	for k, v := range pixelFormats {
		if v == ff.PixelFormat {
			pf = C.int(k)
		}
	}
	var f C.LUCAM_FRAME_FORMAT
	C.lucam_frame_format_set(&f, C.int(ff.XOffset), C.int(ff.YOffset), C.int(ff.Width), C.int(ff.Height),
		pf, C.int(max(ff.SubSampleX, 1)), C.int(max(ff.SubSampleY, 1)))
	if C.LucamSetFormat(c.h, &f, C.FLOAT(frameRate)) == 0 {
		return lastError("SetFormat")
	}
	return nil
}

// StartStreaming implements device.Camera.
func (c *Camera) StartStreaming() error {
	if C.LucamStreamVideoControl(c.h, C.START_STREAMING, nil) == 0 {
		return lastError("StreamVideoControl(start)")
	}
	return nil
}

// StopStreaming implements device.Camera.
func (c *Camera) StopStreaming() error {
	if C.LucamStreamVideoControl(c.h, C.STOP_STREAMING, nil) == 0 {
		return lastError("StreamVideoControl(stop)")
	}
	return nil
}

// AddStreamingCallback implements device.Camera. fn runs on the SDK
// streaming thread.
func (c *Camera) AddStreamingCallback(fn device.FrameFunc) (device.CallbackID, error) {
	ctx := pointer.Save(fn)
	id := C.lucam_add_callback(c.h, ctx)
	if id == -1 {
		pointer.Unref(ctx)
		return -1, lastError("AddStreamingCallback")
	}

	c.mu.Lock()
	c.callbacks[device.CallbackID(id)] = ctx
	c.mu.Unlock()
	return device.CallbackID(id), nil
}

// RemoveStreamingCallback implements device.Camera.
func (c *Camera) RemoveStreamingCallback(id device.CallbackID) error {
	c.mu.Lock()
	ctx, ok := c.callbacks[id]
	delete(c.callbacks, id)
	c.mu.Unlock()

	if C.LucamRemoveStreamingCallback(c.h, C.LONG(id)) == 0 {
		return lastError("RemoveStreamingCallback")
	}
	if ok {
		pointer.Unref(ctx)
	}
	return nil
}

// ConvertToRGB24 implements device.Camera.
func (c *Camera) ConvertToRGB24(dst, raw []byte, f device.ImageFormat, p device.ConversionParams) error {
	if len(dst) < f.Width*f.Height*3 || len(raw) == 0 {
		return fmt.Errorf("lucam: convert: buffer too small")
	}

	var imf C.LUCAM_IMAGE_FORMAT
	imf.Size = C.ULONG(unsafe.Sizeof(imf))
	imf.Width = C.ULONG(f.Width)
	imf.Height = C.ULONG(f.Height)
	imf.PixelFormat = C.LUCAM_PF_8
	for k, v := range pixelFormats {
		if v == f.PixelFormat {
			imf.PixelFormat = k
		}
	}
	imf.ImageSize = C.ULONG(f.ImageSize)

	var cp C.LUCAM_CONVERSION_PARAMS
	C.lucam_conversion_set(&cp, C.int(p.DemosaicMethod), cbool(p.CorrectionMatrix), cbool(p.FlipX), cbool(p.FlipY),
		C.float(p.Hue), C.float(p.Saturation), cbool(p.UseColorGainsOverWB),
		C.float(p.DigitalGainRed), C.float(p.DigitalGainGreen), C.float(p.DigitalGainBlue))

	if C.LucamConvertFrameToRgb24Ex(c.h, (*C.BYTE)(&dst[0]), (*C.BYTE)(&raw[0]), &imf, &cp) == 0 {
		return lastError("ConvertFrameToRgb24Ex")
	}
	return nil
}

// OneShotAutoWhiteBalance implements device.Camera.
func (c *Camera) OneShotAutoWhiteBalance(x, y, width, height int) error {
	if C.LucamOneShotAutoWhiteBalance(c.h, C.ULONG(x), C.ULONG(y), C.ULONG(width), C.ULONG(height)) == 0 {
		return lastError("OneShotAutoWhiteBalance")
	}
	return nil
}

// DigitalWhiteBalance implements device.Camera.
func (c *Camera) DigitalWhiteBalance(x, y, width, height int) error {
	if C.LucamDigitalWhiteBalance(c.h, C.ULONG(x), C.ULONG(y), C.ULONG(width), C.ULONG(height)) == 0 {
		return lastError("DigitalWhiteBalance")
	}
	return nil
}

// ConfigureGPO implements device.Camera.
func (c *Camera) ConfigureGPO(selectMask, outputMask byte) error {
	if C.LucamGpoSelect(c.h, C.BYTE(selectMask)) == 0 {
		return lastError("GpoSelect")
	}
	if C.LucamGpioConfigure(c.h, C.BYTE(outputMask)) == 0 {
		return lastError("GpioConfigure")
	}
	return nil
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

var _ device.Camera = (*Camera)(nil)
