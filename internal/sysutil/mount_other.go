//go:build !linux && !windows

package sysutil

import (
	"context"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

type noMountLocator struct{}

func DefaultMountLocator() MountLocator { return noMountLocator{} }

func (noMountLocator) Wait(context.Context, model.Device, time.Duration) (string, error) {
	return "", ErrNoMount
}
