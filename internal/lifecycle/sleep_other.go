//go:build !linux

package lifecycle

import (
	"context"
	"errors"

	logx "tgdigest/pkg/logx"
)

func watchSleep(context.Context, logx.Logger, func()) error {
	return errors.New("sleep signals need logind (linux only)")
}
