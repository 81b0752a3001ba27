package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/ipc"
	"github.com/Hara602/usbWarden/internal/model"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		screen Screen
		input  string
		want   Command
		err    bool
	}{
		{ScreenMenu, "1", Command{Kind: CmdOpen, Screen: ScreenDevices}, false},
		{ScreenMenu, " 3 ", Command{Kind: CmdOpen, Screen: ScreenLogs}, false},
		{ScreenMenu, "0", Command{Kind: CmdNone}, false},
		{ScreenMenu, "Q", Command{Kind: CmdClose}, false},
		{ScreenMenu, "exit", Command{Kind: CmdClose}, false},
		{ScreenMenu, "4", Command{}, true},
		{ScreenMenu, "", Command{Kind: CmdNone}, false},
		{ScreenDevices, "12", Command{Kind: CmdToggle, Index: 12}, false},
		{ScreenDevices, "0", Command{Kind: CmdBack}, false},
		{ScreenDevices, "b", Command{Kind: CmdBack}, false},
		{ScreenDevices, "BACK", Command{Kind: CmdBack}, false},
		{ScreenDevices, "-1", Command{}, true},
		{ScreenDevices, "rm -rf /", Command{}, true},
		{ScreenAudit, "b", Command{Kind: CmdBack}, false},
		{ScreenAudit, "1", Command{}, true},
	}
	for _, tt := range tests {
		got, err := ParseInput(tt.screen, tt.input)
		if (err != nil) != tt.err {
			t.Errorf("%s %q: expected error=%v, got %v", tt.screen, tt.input, tt.err, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s %q: expected %+v, got %+v", tt.screen, tt.input, tt.want, got)
		}
	}
}

type fakeController struct {
	mu      sync.Mutex
	snap    model.Snapshot
	toggles []string
	err     error
	byes    int

	// known 非空时只认这些会话，其余心跳返回 ErrUnknownSession
	known      map[string]bool
	hellos     int
	byeSession string
}

func (f *fakeController) Hello(context.Context, int) (ipc.HelloReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hellos++
	id := fmt.Sprintf("s%d", 100+f.hellos)
	if f.known != nil {
		f.known[id] = true
	}
	return ipc.HelloReply{Session: model.InteractiveSession{ID: id}, Snapshot: f.snap}, nil
}

func (f *fakeController) Heartbeat(_ context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known != nil && !f.known[session] {
		return &ipc.RemoteError{Action: ipc.ActionHeartbeat, Code: ipc.CodeUnknownSession, Message: "unknown session"}
	}
	return f.err
}

func (f *fakeController) Bye(_ context.Context, session string) error {
	f.mu.Lock()
	f.byes++
	f.byeSession = session
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Snapshot(context.Context) (model.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeController) Toggle(_ context.Context, _ string, index int, entryID string, _ model.AuthState) (model.DeviceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, entryID)
	if f.err != nil {
		return model.DeviceView{}, f.err
	}
	v := f.snap.Devices[index-1]
	v.State = v.State.Opposite()
	v.Origin = model.OriginManual
	return v, nil
}

func (f *fakeController) AuditTail(context.Context, int) ([]model.AuditEvent, error) {
	return []model.AuditEvent{{Path: "/media/stick/report.pdf", Operation: model.OpCreate, Risk: "HIGH", Detail: "type mismatch"}}, f.err
}

func (f *fakeController) LogTail(context.Context, int) ([]string, error) {
	return []string{"INFO engine device attached"}, f.err
}

func snapshot() model.Snapshot {
	now := time.Now()
	return model.Snapshot{Devices: []model.DeviceView{
		{Index: 1, EntryID: "e1", Device: model.Device{VendorID: "0781", ProductID: "5567", Label: "SanDisk Cruzer", Class: model.ClassStorage},
			State: model.StateAuthorized, Origin: model.OriginPolicy, FirstSeen: now.Add(-3 * time.Minute), Auditing: true},
		{Index: 2, EntryID: "e2", Device: model.Device{VendorID: "046d", ProductID: "c52b", Class: model.ClassHID},
			State: model.StateBlocked, Origin: model.OriginPolicy, FirstSeen: now},
	}}
}

func typeLine(t *testing.T, m tea.Model, line string) (tea.Model, tea.Cmd) {
	t.Helper()
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	return m.Update(tea.KeyMsg{Type: tea.KeyEnter})
}

func TestMenuNavigation(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)

	if view := m.View(); !strings.Contains(view, "Devices") || !strings.Contains(view, "monitoring continues") {
		t.Fatalf("expected the menu, got:\n%s", view)
	}
	m, cmd := typeLine(t, m, "1")
	if m.(Model).screen != ScreenDevices || cmd == nil {
		t.Fatalf("expected the device screen and a refresh, got %s", m.(Model).screen)
	}
	view := m.View()
	for _, want := range []string{"SanDisk Cruzer", "046d:c52b", "3 minutes ago", "authorized"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in:\n%s", want, view)
		}
	}

	m, cmd = typeLine(t, m, "b")
	if m.(Model).screen != ScreenMenu || cmd != nil {
		t.Errorf("expected back to the menu without side effects")
	}
	if len(ctl.toggles) != 0 {
		t.Errorf("expected no toggles, got %v", ctl.toggles)
	}
}

func TestToggleSendsEntryID(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, _ = typeLine(t, m, "1")

	m, cmd := typeLine(t, m, "2")
	if cmd == nil {
		t.Fatal("expected a toggle command")
	}
	msg := cmd()
	if len(ctl.toggles) != 1 || ctl.toggles[0] != "e2" {
		t.Fatalf("expected toggle of e2, got %v", ctl.toggles)
	}
	m, _ = m.Update(msg)
	if status := m.(Model).status; !strings.Contains(status, "authorized") {
		t.Errorf("expected the new state in the status line, got %q", status)
	}

	_, cmd = typeLine(t, m, "7")
	if cmd != nil {
		t.Error("expected an unknown index not to reach the agent")
	}
}

func TestToggleStaleIndex(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, _ = typeLine(t, m, "1")
	ctl.err = &ipc.RemoteError{Action: ipc.ActionToggle, Code: ipc.CodeStaleIndex, Message: "stale device index"}

	m, cmd := typeLine(t, m, "1")
	m, _ = m.Update(cmd())
	if status := m.(Model).status; !strings.Contains(status, "no longer refers") {
		t.Errorf("expected a stale index message, got %q", status)
	}
	if !errors.Is(ctl.err, engine.ErrStaleIndex) {
		t.Error("expected the remote error to unwrap to ErrStaleIndex")
	}
}

func TestRefreshFailureShowsDisconnected(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, _ = m.Update(refreshMsg{err: ipc.ErrDisconnected})
	if view := m.View(); !strings.Contains(view, "disconnected") {
		t.Errorf("expected a disconnected marker, got:\n%s", view)
	}

	// 重新连上后显示最新快照
	next := snapshot()
	next.Devices = next.Devices[:1]
	m, _ = m.Update(refreshMsg{snap: next})
	if got := m.(Model); !got.connected || len(got.snap.Devices) != 1 {
		t.Errorf("expected the fresh snapshot after reconnect, got %+v", got.snap)
	}
}

func TestAuditScreen(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, cmd := typeLine(t, m, "2")
	m, _ = m.Update(cmd())
	if view := m.View(); !strings.Contains(view, "report.pdf") || !strings.Contains(view, "HIGH") {
		t.Errorf("expected the audit event, got:\n%s", view)
	}
}

func TestCloseSaysGoodbye(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	// 顶层菜单里的 0 不关闭窗口
	m, cmd := typeLine(t, m, "0")
	if cmd != nil || m.(Model).closing || ctl.byes != 0 {
		t.Fatal("expected 0 on the menu to do nothing")
	}
	m, cmd = typeLine(t, m, "q")
	if cmd == nil {
		t.Fatal("expected a close command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected the program to quit")
	}
	if ctl.byes != 1 {
		t.Errorf("expected one bye, got %d", ctl.byes)
	}
	if m.View() != "" {
		t.Error("expected an empty view while closing")
	}
}

func TestCtrlCCloses(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil || !m.(Model).closing {
		t.Fatal("expected ctrl-c to close the surface")
	}
	cmd()
	if ctl.byes != 1 {
		t.Errorf("expected one bye, got %d", ctl.byes)
	}
}

func TestRefreshReopensLostSession(t *testing.T) {
	ctl := &fakeController{snap: snapshot(), known: map[string]bool{}}
	var m tea.Model = NewModel(ctl, "s1", model.Snapshot{})

	// agent 重启后旧会话 s1 不再有效
	m, _ = m.Update(m.(Model).refresh()())
	got := m.(Model)
	if ctl.hellos != 1 || got.session != "s101" {
		t.Fatalf("expected a new session from hello, got %q after %d hellos", got.session, ctl.hellos)
	}
	if !got.connected || len(got.snap.Devices) != 2 {
		t.Errorf("expected the snapshot from hello, got %+v", got.snap)
	}
	if !strings.Contains(got.status, "new one") {
		t.Errorf("expected the status to mention the new session, got %q", got.status)
	}

	// 之后的心跳使用新会话，不再 Hello
	m, _ = m.Update(m.(Model).refresh()())
	if ctl.hellos != 1 || m.(Model).session != "s101" {
		t.Errorf("expected the new session to be kept, got %q after %d hellos", m.(Model).session, ctl.hellos)
	}

	// 关闭时向新会话告别
	_, cmd := typeLine(t, m, "q")
	cmd()
	if ctl.byeSession != "s101" {
		t.Errorf("expected bye for s101, got %q", ctl.byeSession)
	}
}

func TestBackspaceRemovesWholeRune(t *testing.T) {
	ctl := &fakeController{snap: snapshot()}
	var m tea.Model = NewModel(ctl, "s1", ctl.snap)
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1é设")})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	if in := m.(Model).input; in != "1é" {
		t.Fatalf("expected %q, got %q", "1é", in)
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	if in := m.(Model).input; in != "1" || !utf8.ValidString(in) {
		t.Fatalf("expected %q, got %q", "1", in)
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	if in := m.(Model).input; in != "" {
		t.Errorf("expected empty input, got %q", in)
	}
}
