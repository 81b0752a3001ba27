package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

func fakeSysfs(t *testing.T, bus, authorized string) (*Sysfs, string) {
	t.Helper()
	root := t.TempDir()
	s := NewSysfs(root)
	dir := filepath.Join(s.DevicesDir(), bus)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "authorized")
	if authorized != "" {
		if err := os.WriteFile(path, []byte(authorized+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return s, path
}

func readTrim(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(data))
}

func TestSysfsDeauthorizeWritesZero(t *testing.T) {
	s, path := fakeSysfs(t, "1-1.2", "1")
	res, err := s.Deauthorize(context.Background(), model.Device{BusPath: "1-1.2"})
	if err != nil {
		t.Fatalf("Deauthorize: %v", err)
	}
	if !res.Changed {
		t.Error("expected Changed=true")
	}
	if got := readTrim(t, path); got != "0" {
		t.Errorf("expected authorized=0, got %q", got)
	}
}

func TestSysfsIsIdempotent(t *testing.T) {
	s, path := fakeSysfs(t, "1-1", "1")
	info, _ := os.Stat(path)
	res, err := s.Authorize(context.Background(), model.Device{BusPath: "1-1"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if res.Changed {
		t.Error("expected Changed=false for an already authorized device")
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("expected the attribute not to be rewritten")
	}
}

func TestSysfsErrorMapping(t *testing.T) {
	t.Run("device gone", func(t *testing.T) {
		s, _ := fakeSysfs(t, "1-1", "1")
		_, err := s.Deauthorize(context.Background(), model.Device{BusPath: "2-4"})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("expected ErrDeviceNotFound, got %v", err)
		}
		var ae *ActionError
		if !errors.As(err, &ae) || ae.Op != OpDeauthorize || ae.BusPath != "2-4" {
			t.Errorf("expected ActionError for deauthorize 2-4, got %#v", err)
		}
	})
	t.Run("attribute missing", func(t *testing.T) {
		s, _ := fakeSysfs(t, "1-1", "")
		_, err := s.Authorize(context.Background(), model.Device{BusPath: "1-1"})
		if Classify(err) != KindUnavailable {
			t.Errorf("expected backend-unavailable, got %v", err)
		}
	})
	t.Run("invalid bus path", func(t *testing.T) {
		s, _ := fakeSysfs(t, "1-1", "1")
		_, err := s.Authorize(context.Background(), model.Device{BusPath: "../1-1"})
		if err == nil {
			t.Fatal("expected an error")
		}
	})
	t.Run("permission denied", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores file modes")
		}
		s, path := fakeSysfs(t, "1-1", "1")
		if err := os.Chmod(path, 0444); err != nil {
			t.Fatal(err)
		}
		_, err := s.Deauthorize(context.Background(), model.Device{BusPath: "1-1"})
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
	})
}

type scriptRunner struct {
	mu      sync.Mutex
	problem string
	fail    map[string]string // 脚本前缀 -> 输出
	calls   []string
}

func (r *scriptRunner) run(_ context.Context, script string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, script)
	for prefix, out := range r.fail {
		if strings.HasPrefix(script, prefix) {
			return []byte(out), errors.New("exit status 1")
		}
	}
	switch {
	case strings.HasPrefix(script, "(Get-PnpDevice"):
		return []byte(r.problem + "\r\n"), nil
	case strings.HasPrefix(script, "Disable-PnpDevice"):
		r.problem = problemDisabled
	case strings.HasPrefix(script, "Enable-PnpDevice"):
		r.problem = "CM_PROB_NONE"
	}
	return nil, nil
}

func TestPnPToggle(t *testing.T) {
	r := &scriptRunner{problem: "CM_PROB_NONE"}
	p := NewPnP(r.run)
	d := model.Device{BusPath: `USB\VID_0781&PID_5567\4C53'01`}

	res, err := p.Deauthorize(context.Background(), d)
	if err != nil || !res.Changed {
		t.Fatalf("expected a change, got %+v %v", res, err)
	}
	if !strings.Contains(r.calls[1], `4C53''01`) {
		t.Errorf("expected quoted instance id, got %q", r.calls[1])
	}

	res, err = p.Deauthorize(context.Background(), d)
	if err != nil || res.Changed {
		t.Fatalf("expected a no-op, got %+v %v", res, err)
	}
	if len(r.calls) != 3 {
		t.Errorf("expected 3 scripts, got %d", len(r.calls))
	}

	if res, err := p.Authorize(context.Background(), d); err != nil || !res.Changed {
		t.Fatalf("expected enable, got %+v %v", res, err)
	}
}

func TestPnPErrorMapping(t *testing.T) {
	tests := []struct {
		out  string
		want Kind
	}{
		{"Disable-PnpDevice : Access is denied.", KindPermission},
		{"Get-PnpDevice : No matching Win32_PnPEntity objects found", KindNotFound},
		{"The term 'Get-PnpDevice' is not recognized as the name of a cmdlet", KindUnavailable},
		{"Generic failure", KindFailed},
	}
	for _, tt := range tests {
		r := &scriptRunner{fail: map[string]string{"(Get-PnpDevice": tt.out}}
		_, err := NewPnP(r.run).Authorize(context.Background(), model.Device{BusPath: "USB\\X"})
		if got := Classify(err); got != tt.want {
			t.Errorf("%q: expected %s, got %s (%v)", tt.out, tt.want, got, err)
		}
	}
}

type stuckBackend struct {
	release chan struct{}
}

func (s stuckBackend) Name() string { return "stuck" }

func (s stuckBackend) Authorize(ctx context.Context, _ model.Device) (Result, error) {
	<-s.release
	return Result{Changed: true}, nil
}

func (s stuckBackend) Deauthorize(ctx context.Context, d model.Device) (Result, error) {
	return s.Authorize(ctx, d)
}

func TestBoundedTimesOut(t *testing.T) {
	inner := stuckBackend{release: make(chan struct{})}
	defer close(inner.release)

	b := Bounded(inner, 20*time.Millisecond)
	start := time.Now()
	_, err := b.Authorize(context.Background(), model.Device{BusPath: "1-1"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if Classify(err) != KindTimeout || !Classify(err).Retryable() {
		t.Errorf("expected a retryable timeout, got %s", Classify(err))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected a prompt return, took %s", elapsed)
	}
}

func TestBoundedSignalsWhenAbandonedCallReturns(t *testing.T) {
	inner := stuckBackend{release: make(chan struct{})}
	b := Bounded(inner, 20*time.Millisecond)

	_, err := b.Deauthorize(context.Background(), model.Device{BusPath: "1-1"})
	settled := Settled(err)
	if settled == nil {
		t.Fatalf("expected a settle signal for the abandoned call, got %v", err)
	}
	select {
	case <-settled:
		t.Fatal("settled before the stuck call returned")
	case <-time.After(50 * time.Millisecond):
	}
	close(inner.release)
	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatal("settle signal never fired")
	}

	s, _ := fakeSysfs(t, "1-2", "1")
	if _, err := Bounded(s, time.Second).Authorize(context.Background(), model.Device{BusPath: "1-2"}); Settled(err) != nil {
		t.Error("expected no settle signal for a completed call")
	}
	if Settled(ErrTimeout) != nil {
		t.Error("expected no settle signal for a plain error")
	}
}

func TestBoundedPassesThrough(t *testing.T) {
	s, _ := fakeSysfs(t, "1-1", "0")
	b := Bounded(s, time.Second)
	if b.Name() != "sysfs" {
		t.Errorf("expected sysfs, got %s", b.Name())
	}
	res, err := Apply(context.Background(), b, model.Device{BusPath: "1-1"}, model.StateAuthorized)
	if err != nil || !res.Changed {
		t.Errorf("expected a change, got %+v %v", res, err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		want      Kind
		retryable bool
	}{
		{nil, KindNone, false},
		{&ActionError{Op: OpAuthorize, Err: ErrDeviceNotFound}, KindNotFound, false},
		{&ActionError{Op: OpAuthorize, Err: ErrPermissionDenied}, KindPermission, false},
		{Unavailable{}.fail(OpAuthorize, model.Device{}), KindUnavailable, false},
		{context.DeadlineExceeded, KindTimeout, true},
		{context.Canceled, KindCanceled, false},
		{errors.New("boom"), KindFailed, true},
	}
	for _, tt := range tests {
		got := Classify(tt.err)
		if got != tt.want || got.Retryable() != tt.retryable {
			t.Errorf("%v: expected %s (retryable=%v), got %s", tt.err, tt.want, tt.retryable, got)
		}
	}
}
