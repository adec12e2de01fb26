package sim

import (
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// Scene colour cast per Bayer site (R, G, B). A warm, green-heavy scene
// needs red and blue gains above 1 to look neutral.
var sceneCast = [3]float64{0.6, 0.9, 0.45}

// StartStreaming implements device.Camera.
func (c *Camera) StartStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("StartStreaming"); err != nil {
		return err
	}
	if c.streaming {
		return nil
	}
	c.streaming = true

	if !c.drv.cfg.Manual {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.run(c.stop)
	}

	slog.Debug("sim: streaming started",
		"index", c.index,
		"frame_rate", c.frameRate,
		"exposure_ms", c.props[device.PropExposure],
	)
	return nil
}

// StopStreaming implements device.Camera. It returns after the frame
// goroutine has exited, so no callback runs afterwards.
func (c *Camera) StopStreaming() error {
	c.mu.Lock()
	if err := c.enter("StopStreaming"); err != nil {
		c.mu.Unlock()
		return err
	}
	wait := c.stopLocked()
	c.mu.Unlock()

	wait()
	return nil
}

// stopLocked stops streaming and returns a function that waits for the
// frame goroutine. The wait must run without c.mu held, since an in-flight
// callback may call back into the camera. Caller holds c.mu.
func (c *Camera) stopLocked() func() {
	if !c.streaming {
		return func() {}
	}
	c.streaming = false
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	return c.wg.Wait
}

func (c *Camera) run(stop <-chan struct{}) {
	defer c.wg.Done()

	clk := c.drv.cfg.Clock
	for {
		c.mu.Lock()
		interval := frameInterval(c.props[device.PropExposure], c.frameRate)
		c.mu.Unlock()

		timer := clk.Timer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		c.emit()
	}
}

// Trigger emits one frame synchronously on the calling goroutine, which
// then plays the role of the SDK streaming thread. It reports false when
// the camera is not streaming.
func (c *Camera) Trigger() bool {
	return c.emit()
}

// FramesEmitted returns the number of raw frames produced since open.
func (c *Camera) FramesEmitted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Camera) emit() bool {
	c.mu.Lock()
	if !c.streaming || c.closed {
		c.mu.Unlock()
		return false
	}
	c.seq++
	raw := c.generateLocked()
	c.lastRaw = raw

	ids := make([]device.CallbackID, 0, len(c.callbacks))
	for id := range c.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]device.FrameFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.callbacks[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
	return true
}

// generateLocked renders one RGGB frame of a diagonal gradient that moves
// with the frame sequence. Channel gains, analog gain and exposure scale
// the sensor response. Caller holds c.mu.
func (c *Camera) generateLocked() []byte {
	w, h := c.format.Width, c.format.Height
	raw := make([]byte, w*h)

	analog := 1 + c.props[device.PropGain]/4
	exposure := lo.Clamp(c.props[device.PropExposure]/20, 0.05, 4)
	gains := [4]float64{
		c.props[device.PropGainRed],
		c.props[device.PropGainGreen1],
		c.props[device.PropGainGreen2],
		c.props[device.PropGainBlue],
	}
	casts := [4]float64{sceneCast[0], sceneCast[1], sceneCast[1], sceneCast[2]}

	shift := int(c.seq % 256)
	for y := 0; y < h; y++ {
		row := raw[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			site := (y&1)<<1 | x&1 // 0=R 1=G1 2=G2 3=B
			base := float64((x+y+shift*4)%256)*0.5 + 64
			v := base * casts[site] * gains[site] * analog * exposure
			row[x] = byte(lo.Clamp(v, 0, 255))
		}
	}
	return raw
}

// siteMeans returns the mean raw value of the R, G and B Bayer sites in the
// window.
func siteMeans(raw []byte, stride, x0, y0, w, h int) [3]float64 {
	var sum [3]float64
	var n [3]int
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			var ch int
			switch (y&1)<<1 | x&1 {
			case 0:
				ch = 0
			case 3:
				ch = 2
			default:
				ch = 1
			}
			sum[ch] += float64(raw[y*stride+x])
			n[ch]++
		}
	}
	var mean [3]float64
	for i := range mean {
		if n[i] > 0 {
			mean[i] = sum[i] / float64(n[i])
		}
	}
	return mean
}
