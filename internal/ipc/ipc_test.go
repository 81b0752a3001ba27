package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/model"
)

type fakeEngine struct {
	mu      sync.Mutex
	snap    model.Snapshot
	toggled []int
	err     error
}

func (f *fakeEngine) Snapshot() model.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) Toggle(_ context.Context, index int, entryID string, target model.AuthState) (model.DeviceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = append(f.toggled, index)
	if f.err != nil {
		return model.DeviceView{}, f.err
	}
	if index > len(f.snap.Devices) || f.snap.Devices[index-1].EntryID != entryID {
		return model.DeviceView{}, engine.ErrStaleIndex
	}
	v := &f.snap.Devices[index-1]
	if target == "" {
		target = v.State.Opposite()
	}
	v.State = target
	v.Origin = model.OriginManual
	return *v, nil
}

func (f *fakeEngine) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type staticTail []string

func (s staticTail) Last(n int) []string {
	if n > len(s) {
		n = len(s)
	}
	return s[len(s)-n:]
}

// socketDir Unix socket 路径有长度限制，不能用 t.TempDir()
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "uw")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, a Agent) *Client {
	t.Helper()
	path := filepath.Join(socketDir(t), "run", "control.sock")
	srv := NewServer(path, zaptest.NewLogger(t))
	Register(srv, a)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewClient(path)
}

func sampleSnapshot() model.Snapshot {
	return model.Snapshot{
		Revision: 7,
		TakenAt:  time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Devices: []model.DeviceView{
			{Index: 1, EntryID: "a", Device: model.Device{BusPath: "1-1", VendorID: "0781"}, State: model.StateAuthorized, Origin: model.OriginPolicy},
			{Index: 2, EntryID: "b", Device: model.Device{BusPath: "1-2", VendorID: "046d"}, State: model.StateBlocked, Origin: model.OriginPolicy},
		},
	}
}

func newAgent(t *testing.T, eng Engine) Agent {
	return Agent{
		Engine:   eng,
		Sessions: NewSessions(clock.Real(), time.Minute, zaptest.NewLogger(t)),
		Logs:     staticTail{"one", "two", "three"},
	}
}

func TestHelloReturnsSnapshot(t *testing.T) {
	eng := &fakeEngine{snap: sampleSnapshot()}
	c := startServer(t, newAgent(t, eng))

	reply, err := c.Hello(context.Background(), 4242)
	if err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if reply.Session.ID == "" || reply.Session.PID != 4242 || reply.Session.State != model.SessionConnected {
		t.Errorf("unexpected session %+v", reply.Session)
	}
	if reply.Snapshot.Revision != 7 || len(reply.Snapshot.Devices) != 2 {
		t.Fatalf("unexpected snapshot %+v", reply.Snapshot)
	}
	if !reply.Snapshot.TakenAt.Equal(eng.snap.TakenAt) {
		t.Errorf("expected %s, got %s", eng.snap.TakenAt, reply.Snapshot.TakenAt)
	}
	if err := c.Heartbeat(context.Background(), reply.Session.ID); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
}

func TestToggleRoundTrip(t *testing.T) {
	eng := &fakeEngine{snap: sampleSnapshot()}
	c := startServer(t, newAgent(t, eng))

	view, err := c.Toggle(context.Background(), "", 2, "b", "")
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if view.State != model.StateAuthorized || view.Origin != model.OriginManual {
		t.Errorf("expected authorized/manual, got %s/%s", view.State, view.Origin)
	}
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Devices[1].State != model.StateAuthorized {
		t.Errorf("expected the snapshot to reflect the toggle, got %s", snap.Devices[1].State)
	}
}

func TestRemoteErrorsKeepTheirIdentity(t *testing.T) {
	eng := &fakeEngine{snap: sampleSnapshot()}
	c := startServer(t, newAgent(t, eng))

	_, err := c.Toggle(context.Background(), "", 1, "b", "")
	if !errors.Is(err, engine.ErrStaleIndex) {
		t.Fatalf("expected ErrStaleIndex, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeStaleIndex {
		t.Errorf("expected a RemoteError with code %s, got %#v", CodeStaleIndex, err)
	}

	eng.fail(&authz.ActionError{Op: authz.OpAuthorize, BusPath: "1-1", Err: authz.ErrPermissionDenied})
	if _, err := c.Toggle(context.Background(), "", 1, "a", ""); !errors.Is(err, authz.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if err := c.Heartbeat(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestUnknownAction(t *testing.T) {
	c := startServer(t, newAgent(t, &fakeEngine{}))
	err := c.Call(context.Background(), Request{Action: "reboot"}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected a RemoteError, got %v", err)
	}
}

func TestLogTail(t *testing.T) {
	c := startServer(t, newAgent(t, &fakeEngine{}))
	lines, err := c.LogTail(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "two" || lines[1] != "three" {
		t.Errorf("expected [two three], got %v", lines)
	}
	events, err := c.AuditTail(context.Background(), 10)
	if err != nil || len(events) != 0 {
		t.Errorf("expected no audit events without a log, got %v %v", events, err)
	}
}

func TestDisconnected(t *testing.T) {
	c := NewClient(filepath.Join(socketDir(t), "absent.sock"))
	_, err := c.Snapshot(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestSocketIsPrivate(t *testing.T) {
	path := filepath.Join(socketDir(t), "control.sock")
	srv := NewServer(path, zaptest.NewLogger(t))
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected the socket to be removed, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := NewSessions(clk, 5*time.Second, zaptest.NewLogger(t))

	first := s.Hello(100)
	clk.Advance(time.Second)
	second := s.Hello(200)
	if !s.Connected() {
		t.Fatal("expected a connected session")
	}

	s.Bye(first.ID)
	s.Begin(second.ID)
	list := s.List()
	if len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("expected sessions in connection order, got %+v", list)
	}
	if list[0].State != model.SessionDetached || list[1].State != model.SessionConnected || list[1].Pending != 1 {
		t.Errorf("unexpected states %+v", list)
	}

	clk.Advance(10 * time.Second)
	if s.Connected() {
		t.Error("expected the silent session to expire")
	}
	if err := s.Heartbeat(second.ID); err != nil {
		t.Fatal(err)
	}
	if !s.Connected() {
		t.Error("expected a heartbeat to revive the session")
	}
	s.DetachPID(200)
	if s.Connected() {
		t.Error("expected process exit to detach the session")
	}
}
