// Package surface is the interactive control surface: a terminal UI that
// renders the agent's live registry and submits manual toggles over the
// control socket. It keeps no device state of its own; every screen is
// rebuilt from the snapshot the agent returns.
package surface

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/ipc"
	"github.com/Hara602/usbWarden/internal/model"
)

const (
	refreshInterval = time.Second
	callTimeout     = 3 * time.Second
	tailLimit       = 20
)

// Controller 界面能做的全部操作，由 *ipc.Client 实现
type Controller interface {
	Hello(ctx context.Context, pid int) (ipc.HelloReply, error)
	Heartbeat(ctx context.Context, sessionID string) error
	Bye(ctx context.Context, sessionID string) error
	Snapshot(ctx context.Context) (model.Snapshot, error)
	Toggle(ctx context.Context, sessionID string, index int, entryID string, target model.AuthState) (model.DeviceView, error)
	AuditTail(ctx context.Context, limit int) ([]model.AuditEvent, error)
	LogTail(ctx context.Context, limit int) ([]string, error)
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type tickMsg time.Time

type refreshMsg struct {
	snap  model.Snapshot
	audit []model.AuditEvent
	logs  []string
	err   error

	// session 非空表示 agent 已不认识旧会话，这是重新 Hello 得到的新会话
	session string
}

type toggleMsg struct {
	index int
	view  model.DeviceView
	err   error
}

// Model bubbletea 模型
type Model struct {
	ctl     Controller
	session string
	pid     int
	now     func() time.Time

	screen    Screen
	snap      model.Snapshot
	audit     []model.AuditEvent
	logs      []string
	input     string
	status    string
	connected bool
	closing   bool
}

// NewModel snap 是连接时 agent 返回的快照，界面一出现就显示当前状态
func NewModel(ctl Controller, session string, snap model.Snapshot) Model {
	return Model{
		ctl:       ctl,
		session:   session,
		pid:       os.Getpid(),
		now:       time.Now,
		snap:      snap,
		connected: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh 心跳 + 拉取当前界面需要的数据。agent 重启或会话超时被清理后重新 Hello
func (m Model) refresh() tea.Cmd {
	ctl, session, pid, screen := m.ctl, m.session, m.pid, m.screen
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		var msg refreshMsg
		err := ctl.Heartbeat(ctx, session)
		switch {
		case errors.Is(err, ipc.ErrUnknownSession):
			reply, err := ctl.Hello(ctx, pid)
			if err != nil {
				msg.err = err
				return msg
			}
			msg.session, msg.snap = reply.Session.ID, reply.Snapshot
		case err != nil:
			msg.err = err
			return msg
		default:
			msg.snap, msg.err = ctl.Snapshot(ctx)
			if msg.err != nil {
				return msg
			}
		}
		switch screen {
		case ScreenAudit:
			msg.audit, msg.err = ctl.AuditTail(ctx, tailLimit)
		case ScreenLogs:
			msg.logs, msg.err = ctl.LogTail(ctx, tailLimit)
		}
		return msg
	}
}

func (m Model) toggle(index int, entryID string) tea.Cmd {
	ctl, session := m.ctl, m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout*3)
		defer cancel()
		view, err := ctl.Toggle(ctx, session, index, entryID, "")
		return toggleMsg{index: index, view: view, err: err}
	}
}

func (m Model) bye() tea.Cmd {
	ctl, session := m.ctl, m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		ctl.Bye(ctx, session)
		return tea.Quit()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case refreshMsg:
		if msg.err != nil {
			m.connected = false
			m.status = fmt.Sprintf("agent unreachable: %v", msg.err)
			return m, nil
		}
		if !m.connected {
			m.status = "reconnected"
		}
		if msg.session != "" && msg.session != m.session {
			m.session = msg.session
			m.status = "agent lost this session, reconnected with a new one"
		}
		m.connected = true
		m.snap = msg.snap
		if msg.audit != nil {
			m.audit = msg.audit
		}
		if msg.logs != nil {
			m.logs = msg.logs
		}
		return m, nil

	case toggleMsg:
		m.status = toggleStatus(msg)
		return m, m.refresh()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.closing = true
		return m, m.bye()
	case tea.KeyEsc:
		m.input = ""
		if m.screen != ScreenMenu {
			m.screen = ScreenMenu
			m.status = ""
		}
		return m, nil
	case tea.KeyBackspace:
		if m.input != "" {
			_, size := utf8.DecodeLastRuneInString(m.input)
			m.input = m.input[:len(m.input)-size]
		}
		return m, nil
	case tea.KeyEnter:
		input := m.input
		m.input = ""
		return m.submit(input)
	case tea.KeyRunes:
		m.input += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

func (m Model) submit(input string) (tea.Model, tea.Cmd) {
	cmd, err := ParseInput(m.screen, input)
	if err != nil {
		m.status = err.Error()
		return m, nil
	}
	switch cmd.Kind {
	case CmdClose:
		m.closing = true
		return m, m.bye()
	case CmdOpen:
		m.screen = cmd.Screen
		m.status = ""
		return m, m.refresh()
	case CmdBack:
		m.screen = ScreenMenu
		m.status = ""
		return m, nil
	case CmdToggle:
		// 下标按当前显示的快照解释，同时带上条目 id，agent 会拒绝过期的下标
		if cmd.Index > len(m.snap.Devices) {
			m.status = fmt.Sprintf("no device #%d", cmd.Index)
			return m, nil
		}
		d := m.snap.Devices[cmd.Index-1]
		m.status = fmt.Sprintf("toggling #%d %s ...", cmd.Index, deviceName(d.Device))
		return m, m.toggle(cmd.Index, d.EntryID)
	}
	return m, nil
}

func toggleStatus(msg toggleMsg) string {
	switch {
	case msg.err == nil:
		return fmt.Sprintf("#%d %s is now %s", msg.index, deviceName(msg.view.Device), msg.view.State)
	case errors.Is(msg.err, engine.ErrStaleIndex):
		return fmt.Sprintf("#%d no longer refers to the same device; list refreshed, try again", msg.index)
	case errors.Is(msg.err, engine.ErrDeviceGone):
		return fmt.Sprintf("#%d was unplugged", msg.index)
	case errors.Is(msg.err, engine.ErrShuttingDown):
		return "agent is shutting down"
	case errors.Is(msg.err, ipc.ErrDisconnected):
		return "agent unreachable, toggle not sent"
	}
	return fmt.Sprintf("#%d toggle failed: %v", msg.index, msg.err)
}

func deviceName(d model.Device) string {
	if d.Label != "" {
		return d.Label
	}
	return d.VendorID + ":" + d.ProductID
}

func (m Model) View() string {
	if m.closing {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("🛡️ usbWarden control surface"))
	if !m.connected {
		b.WriteString(" " + blockedStyle.Render("[disconnected]"))
	} else if m.snap.Draining {
		b.WriteString(" " + warnStyle.Render("[shutting down]"))
	}
	b.WriteString("\n\n")

	switch m.screen {
	case ScreenMenu:
		for i, item := range menu {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, item.label)
		}
		b.WriteString("  q. Close this window (monitoring continues)\n")
	case ScreenDevices:
		m.renderDevices(&b)
	case ScreenAudit:
		m.renderAudit(&b)
	case ScreenLogs:
		for _, line := range m.logs {
			b.WriteString(line + "\n")
		}
		if len(m.logs) == 0 {
			b.WriteString(dimStyle.Render("no log lines yet") + "\n")
		}
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(warnStyle.Render(m.status) + "\n")
	}
	b.WriteString(dimStyle.Render(m.hint()) + "\n")
	b.WriteString("> " + m.input)
	return b.String()
}

func (m Model) hint() string {
	switch m.screen {
	case ScreenMenu:
		return "choose 1-3 and press enter, q closes this window"
	case ScreenDevices:
		return "number + enter toggles a device, 0 / b goes back"
	}
	return "0 / b goes back"
}

func (m Model) renderDevices(b *strings.Builder) {
	if len(m.snap.Devices) == 0 {
		b.WriteString(dimStyle.Render("no USB devices attached") + "\n")
		return
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-3s %-10s %-24s %-15s %-14s %-7s %s",
		"#", "ID", "NAME", "CLASS", "STATE", "ORIGIN", "FIRST SEEN")) + "\n")
	now := m.now()
	for _, v := range m.snap.Devices {
		d := v.Device
		state := fmt.Sprintf("%-14s", v.State)
		switch {
		case v.NeedsAttention || v.State == model.StateActionFailed:
			state = blockedStyle.Render(state)
		case v.State == model.StateAuthorized:
			state = okStyle.Render(state)
		case v.State == model.StateBlocked:
			state = blockedStyle.Render(state)
		default:
			state = warnStyle.Render(state)
		}
		line := fmt.Sprintf("%-3d %-10s %-24s %-15s %s %-7s %s",
			v.Index, d.VendorID+":"+d.ProductID, truncate(deviceName(d), 24), d.Class, state, v.Origin,
			humanize.RelTime(v.FirstSeen, now, "ago", "from now"))
		if v.Busy || v.Queued > 0 {
			line += dimStyle.Render(fmt.Sprintf("  (pending %d)", v.Queued+1))
		}
		if v.Auditing {
			line += " 👀"
		}
		if v.NeedsAttention {
			line += "\n    " + blockedStyle.Render("⚠️ "+v.LastError)
		}
		if v.Suspicion != "" {
			line += "\n    " + blockedStyle.Render("🚨 suspicious: "+v.Suspicion)
		}
		b.WriteString(line + "\n")
	}
}

func (m Model) renderAudit(b *strings.Builder) {
	if len(m.audit) == 0 {
		b.WriteString(dimStyle.Render("no file activity recorded") + "\n")
		return
	}
	for _, ev := range m.audit {
		line := fmt.Sprintf("%s %-7s %s", ev.TimeStamp.Local().Format("15:04:05"), ev.Operation, ev.Path)
		if ev.ProcName != "" {
			line += dimStyle.Render(fmt.Sprintf("  [%s %d]", ev.ProcName, ev.PID))
		}
		if ev.Risk != "" {
			line += " " + blockedStyle.Render(ev.Risk+": "+ev.Detail)
		}
		b.WriteString(line + "\n")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
