//go:build linux

package daemon

import (
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// DeviceWatcher fires onRemoved when the bound device disappears. A
// filter attached to a vanished device is a broken binding; the daemon
// shuts down cleanly instead of continuing blind.
type DeviceWatcher struct {
	logger    zerolog.Logger
	device    string
	onRemoved func()

	done   chan struct{}
	nlDone chan struct{}
}

func NewDeviceWatcher(device string, logger zerolog.Logger, onRemoved func()) *DeviceWatcher {
	return &DeviceWatcher{
		logger:    logger.With().Str("component", "watcher").Logger(),
		device:    device,
		onRemoved: onRemoved,
		done:      make(chan struct{}),
		nlDone:    make(chan struct{}),
	}
}

func (w *DeviceWatcher) Start() error {
	updates := make(chan netlink.LinkUpdate)
	nlStop := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, nlStop); err != nil {
		return err
	}

	go func() {
		defer close(w.nlDone)
		for {
			select {
			case <-w.done:
				close(nlStop)
				return
			case update := <-updates:
				if update.Header.Type == unix.RTM_DELLINK && update.Attrs().Name == w.device {
					w.logger.Info().Str("device", w.device).Msg("device removed")
					w.onRemoved()
				}
			}
		}
	}()

	w.logger.Debug().Str("device", w.device).Msg("watching device")
	return nil
}

func (w *DeviceWatcher) Stop() {
	close(w.done)
	<-w.nlDone
}
