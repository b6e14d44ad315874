//go:build !linux

package daemon

import "github.com/rs/zerolog"

// Netlink link updates are linux-only; elsewhere the watcher is inert.
type DeviceWatcher struct{}

func NewDeviceWatcher(device string, logger zerolog.Logger, onRemoved func()) *DeviceWatcher {
	return &DeviceWatcher{}
}

func (w *DeviceWatcher) Start() error { return nil }

func (w *DeviceWatcher) Stop() {}
