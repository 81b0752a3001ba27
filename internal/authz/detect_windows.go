//go:build windows

package authz

import (
	"fmt"
	"os/exec"
)

// Detect 启动时选择一次后端。choice: auto | sysfs | pnp
func Detect(choice, _ string) (Backend, error) {
	switch choice {
	case "", "auto", "pnp":
	default:
		return nil, fmt.Errorf("authz backend %q is not supported on windows", choice)
	}
	if _, err := exec.LookPath("powershell"); err != nil {
		return Unavailable{Reason: err.Error()}, nil
	}
	return NewPnP(PowerShell), nil
}
