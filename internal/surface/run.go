package surface

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Hara602/usbWarden/internal/ipc"
)

// Run 连接 agent 并运行界面，直到用户关闭或 ctx 取消。
// 每次启动都从 agent 当前的快照重建，界面自身没有持久状态
func Run(ctx context.Context, socket string) error {
	client := ipc.NewClient(socket)
	hctx, cancel := context.WithTimeout(ctx, callTimeout)
	reply, err := client.Hello(hctx, os.Getpid())
	cancel()
	if err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}

	m := NewModel(client, reply.Session.ID, reply.Snapshot)
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	final, err := p.Run()

	// 运行中可能换过会话
	session := reply.Session.ID
	if fm, ok := final.(Model); ok && fm.session != "" {
		session = fm.session
	}
	bctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	client.Bye(bctx, session)

	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
