//go:build !lucam

// Package lucam binds the Lumenera USB camera SDK (lucamapi) on Linux.
//
// This build was made without the lucam tag, so Open always fails. Rebuild
// with -tags lucam and the SDK installed to talk to real cameras.
package lucam

import (
	"errors"
	"log/slog"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// ErrUnavailable is returned by Open in builds without SDK support.
var ErrUnavailable = errors.New("lucam: built without SDK support (use -tags lucam)")

// Driver is the SDK driver placeholder. It implements device.Driver.
type Driver struct{}

// New returns a driver whose Open always fails.
func New() *Driver {
	return &Driver{}
}

// Open implements device.Driver.
func (d *Driver) Open(index int) (device.Camera, error) {
	slog.Error("lucam: SDK support not compiled in", "index", index)
	return nil, ErrUnavailable
}
