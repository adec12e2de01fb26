package lumenerasrc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// SetWhiteBalance selects the white balance mode.
//
//   - WhiteBalanceDisabled stops any periodic run and leaves the gains as
//     they are.
//   - WhiteBalanceOneShot runs the camera routine once, now, and returns
//     after it settled and the resulting gains were read back. It needs
//     live video; without an open camera only the mode is stored.
//   - WhiteBalanceAuto repeats the one-shot routine every
//     stream.auto_white_balance_interval_s while streaming.
func (s *Source) SetWhiteBalance(mode WhiteBalanceMode) error {
	if mode < WhiteBalanceDisabled || mode > WhiteBalanceAuto {
		return fmt.Errorf("%w: whitebalance %d", ErrInvalidProperty, int(mode))
	}

	s.mu.Lock()
	prev := s.props.whiteBalance
	s.props.whiteBalance = mode
	streaming := s.stream != nil
	s.mu.Unlock()

	if prev == WhiteBalanceAuto && mode != WhiteBalanceAuto {
		s.stopAutoWhiteBalance()
	}

	switch mode {
	case WhiteBalanceOneShot:
		return s.runWhiteBalance(context.Background())
	case WhiteBalanceAuto:
		if streaming {
			s.mu.Lock()
			if s.stream != nil && s.props.whiteBalance == WhiteBalanceAuto {
				s.startAutoWhiteBalanceLocked()
			}
			s.mu.Unlock()
		}
	}
	slog.Debug("lumenerasrc: white balance mode set", "mode", mode)
	return nil
}

// WhiteBalance returns the white balance mode.
func (s *Source) WhiteBalance() WhiteBalanceMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.whiteBalance
}

// RunWhiteBalance runs one-shot and digital white balance on live video
// once, regardless of mode, and returns the resulting colour gains.
func (s *Source) RunWhiteBalance(ctx context.Context) (red, green, blue float64, err error) {
	if err := s.runWhiteBalance(ctx); err != nil {
		return 0, 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.redGain, s.props.greenGain, s.props.blueGain, nil
}

// runWhiteBalance performs one white balance pass over the full frame:
// one-shot, settle, digital, settle, then reads back the colour gains into
// the property cache. Runs are serialized; the source lock is not held
// while settling.
func (s *Source) runWhiteBalance(ctx context.Context) error {
	s.wbMu.Lock()
	defer s.wbMu.Unlock()

	s.mu.Lock()
	cam := s.cam
	w, h := s.sess.width, s.sess.height
	s.mu.Unlock()
	if cam == nil {
		slog.Debug("lumenerasrc: white balance requested without camera, deferred")
		return nil
	}

	settle := s.cfg.Device.WhiteBalanceSettle()

	oneShot := check("OneShotAutoWhiteBalance", cam.OneShotAutoWhiteBalance(0, 0, w, h))
	if err := s.sleep(ctx, settle); err != nil {
		return err
	}
	digital := check("DigitalWhiteBalance", cam.DigitalWhiteBalance(0, 0, w, h))
	if err := s.sleep(ctx, settle); err != nil {
		return err
	}
	if !oneShot && !digital {
		slog.Warn("lumenerasrc: white balance failed, gains unchanged")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam != cam {
		return nil
	}
	for _, g := range []struct {
		id     device.PropertyID
		cached *float64
	}{
		{device.PropGainRed, &s.props.redGain},
		{device.PropGainGreen1, &s.props.greenGain},
		{device.PropGainBlue, &s.props.blueGain},
	} {
		if v, err := cam.Property(g.id); check("Property("+g.id.String()+")", err) {
			*g.cached = v
		}
	}
	slog.Info("lumenerasrc: white balance complete",
		"red_gain", s.props.redGain,
		"green_gain", s.props.greenGain,
		"blue_gain", s.props.blueGain,
	)
	return nil
}

// startAutoWhiteBalanceLocked starts the periodic white balance goroutine
// unless it is running. Caller holds s.mu.
func (s *Source) startAutoWhiteBalanceLocked() {
	if s.autoWB != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.autoWB = cancel
	interval := s.cfg.Stream.AutoWhiteBalanceInterval()

	s.autoWG.Add(1)
	go func() {
		defer s.autoWG.Done()

		ticker := s.clk.Ticker(interval)
		defer ticker.Stop()

		slog.Info("lumenerasrc: auto white balance started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				slog.Debug("lumenerasrc: auto white balance stopped")
				return
			case <-ticker.C:
			}
			if err := s.runWhiteBalance(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("lumenerasrc: auto white balance failed", "error", err)
			}
		}
	}()
}

// stopAutoWhiteBalance stops the periodic goroutine and waits for it.
func (s *Source) stopAutoWhiteBalance() {
	s.mu.Lock()
	cancel := s.autoWB
	s.autoWB = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.autoWG.Wait()
	}
}
