//go:build !linux && !windows

package authz

import (
	"fmt"
	"runtime"
)

func Detect(choice, _ string) (Backend, error) {
	if choice != "" && choice != "auto" {
		return nil, fmt.Errorf("authz backend %q is not supported on %s", choice, runtime.GOOS)
	}
	return Unavailable{Reason: "no USB authorization mechanism on " + runtime.GOOS}, nil
}
