package authz

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Hara602/usbWarden/internal/model"
)

// Runner 执行一段 PowerShell 脚本并返回合并后的输出
type Runner func(ctx context.Context, script string) ([]byte, error)

// PowerShell 默认 Runner
func PowerShell(ctx context.Context, script string) ([]byte, error) {
	return exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script).CombinedOutput()
}

const (
	pnpProblemScript = `(Get-PnpDevice -InstanceId '%s' -ErrorAction Stop).Problem`
	pnpEnableScript  = `Enable-PnpDevice -InstanceId '%s' -Confirm:$false -ErrorAction Stop`
	pnpDisableScript = `Disable-PnpDevice -InstanceId '%s' -Confirm:$false -ErrorAction Stop`
	problemDisabled  = "CM_PROB_DISABLED"
)

// PnP 通过 Enable-PnpDevice / Disable-PnpDevice 切换驱动，按 PnP InstanceId 寻址
type PnP struct {
	run Runner
}

func NewPnP(run Runner) *PnP {
	if run == nil {
		run = PowerShell
	}
	return &PnP{run: run}
}

func (p *PnP) Name() string { return "pnp" }

func (p *PnP) Authorize(ctx context.Context, d model.Device) (Result, error) {
	return p.set(ctx, OpAuthorize, d, false)
}

func (p *PnP) Deauthorize(ctx context.Context, d model.Device) (Result, error) {
	return p.set(ctx, OpDeauthorize, d, true)
}

func (p *PnP) set(ctx context.Context, op string, d model.Device, disable bool) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &ActionError{Op: op, BusPath: d.BusPath, Err: err}
	}
	if d.BusPath == "" {
		return fail(errors.New("empty instance id"))
	}
	id := quote(d.BusPath)

	out, err := p.run(ctx, fmt.Sprintf(pnpProblemScript, id))
	if err != nil {
		return fail(classifyPowerShell(ctx, out, err))
	}
	disabled := strings.TrimSpace(string(out)) == problemDisabled
	if disabled == disable {
		return Result{Changed: false}, nil
	}

	script := pnpEnableScript
	if disable {
		script = pnpDisableScript
	}
	if out, err := p.run(ctx, fmt.Sprintf(script, id)); err != nil {
		return fail(classifyPowerShell(ctx, out, err))
	}
	return Result{Changed: true}, nil
}

// PowerShell 单引号字符串里只需要转义单引号
func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func classifyPowerShell(ctx context.Context, out []byte, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: powershell not found", ErrBackendUnavailable)
	}
	msg := strings.TrimSpace(string(out))
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "access is denied"), strings.Contains(lower, "administrator"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case strings.Contains(lower, "no matching win32_pnpentity"), strings.Contains(lower, "objectnotfound"):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, msg)
	case strings.Contains(lower, "is not recognized"):
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, msg)
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%v: %s", err, msg)
}
