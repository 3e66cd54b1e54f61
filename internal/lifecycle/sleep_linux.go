//go:build linux

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"

	logx "tgdigest/pkg/logx"
)

const prepareForSleep = "org.freedesktop.login1.Manager.PrepareForSleep"

// watchSleep calls onResume each time logind reports the end of a sleep.
func watchSleep(ctx context.Context, log logx.Logger, onResume func()) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("logind: %w", err)
	}
	defer conn.Close()

	signals := conn.Subscribe("PrepareForSleep")
	log.Debug("logind sleep watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("logind signal channel closed")
			}
			sleeping, err := decodePrepareForSleep(sig)
			if err != nil {
				log.Debug("logind signal ignored", logx.Err(err))
				continue
			}
			if sleeping {
				log.Info("host going to sleep")
				continue
			}
			onResume()
		}
	}
}

func decodePrepareForSleep(sig *dbus.Signal) (bool, error) {
	if sig == nil || sig.Name != prepareForSleep {
		return false, errors.New("not a PrepareForSleep signal")
	}
	var sleeping bool
	if err := dbus.Store(sig.Body, &sleeping); err != nil {
		return false, err
	}
	return sleeping, nil
}
