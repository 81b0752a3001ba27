//go:build linux

package authz

import (
	"fmt"
	"os"
)

// Detect 启动时选择一次后端。choice: auto | sysfs | pnp
func Detect(choice, sysfsRoot string) (Backend, error) {
	switch choice {
	case "", "auto", "sysfs":
	default:
		return nil, fmt.Errorf("authz backend %q is not supported on linux", choice)
	}
	s := NewSysfs(sysfsRoot)
	if _, err := os.Stat(s.DevicesDir()); err != nil {
		return Unavailable{Reason: fmt.Sprintf("%s: %v", s.DevicesDir(), err)}, nil
	}
	return s, nil
}
