package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Hara602/usbWarden/internal/codec"
	"github.com/Hara602/usbWarden/internal/model"
)

const (
	dialTimeout     = 2 * time.Second
	responseTimeout = 30 * time.Second
	maxResponseSize = 4 * 1024 * 1024
)

// Client 每次调用新建一个连接
type Client struct {
	path string
}

func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call 发送请求；ok=false 时返回 *RemoteError，连接层面的失败包装 ErrDisconnected
func (c *Client) Call(ctx context.Context, req Request, result any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrDisconnected, req.Action, c.path, err)
	}
	if !resp.OK {
		return &RemoteError{Action: req.Action, Code: resp.Code, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decode %s response: %w", req.Action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(responseTimeout))
	}
	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) Hello(ctx context.Context, pid int) (HelloReply, error) {
	var reply HelloReply
	err := c.Call(ctx, Request{Action: ActionHello, PID: pid}, &reply)
	return reply, err
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	return c.Call(ctx, Request{Action: ActionHeartbeat, SessionID: sessionID}, nil)
}

func (c *Client) Bye(ctx context.Context, sessionID string) error {
	return c.Call(ctx, Request{Action: ActionBye, SessionID: sessionID}, nil)
}

func (c *Client) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := c.Call(ctx, Request{Action: ActionSnapshot}, &snap)
	return snap, err
}

// Toggle entryID 是调用方在 index 处看到的条目
func (c *Client) Toggle(ctx context.Context, sessionID string, index int, entryID string, target model.AuthState) (model.DeviceView, error) {
	var view model.DeviceView
	err := c.Call(ctx, Request{
		Action:    ActionToggle,
		SessionID: sessionID,
		Index:     index,
		EntryID:   entryID,
		Target:    target,
	}, &view)
	return view, err
}

func (c *Client) AuditTail(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := c.Call(ctx, Request{Action: ActionAuditTail, Limit: limit}, &events)
	return events, err
}

func (c *Client) LogTail(ctx context.Context, limit int) ([]string, error) {
	var lines []string
	err := c.Call(ctx, Request{Action: ActionLogTail, Limit: limit}, &lines)
	return lines, err
}

func (c *Client) Sessions(ctx context.Context) ([]model.InteractiveSession, error) {
	var sessions []model.InteractiveSession
	err := c.Call(ctx, Request{Action: ActionSessions}, &sessions)
	return sessions, err
}
