package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/codec"
)

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 * 1024
)

// HandlerFunc 处理一个动作；返回值非 nil 时编码进 data 字段
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Server 在 Unix socket 上提供 CBOR 请求/响应，每个连接只处理一个请求
type Server struct {
	path     string
	handlers map[string]HandlerFunc
	log      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

func NewServer(path string, log *zap.Logger) *Server {
	return &Server{
		path:     path,
		handlers: make(map[string]HandlerFunc),
		log:      log.Named("ipc"),
	}
}

// Handle 必须在 Serve 之前注册
func (s *Server) Handle(action string, h HandlerFunc) {
	if _, dup := s.handlers[action]; dup {
		panic(fmt.Sprintf("ipc: duplicate handler for %q", action))
	}
	s.handlers[action] = h
}

func (s *Server) Path() string { return s.path }

// Listen 创建 socket (0600)。先于 Serve 调用，保证界面启动时 socket 已就绪
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.listener = l
	return nil
}

// Serve 阻塞直到 ctx 取消，然后等待进行中的请求结束并删除 socket 文件
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	defer func() {
		l.Close()
		os.Remove(s.path)
	}()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	s.log.Info("🔌 control socket listening", zap.String("path", s.path))
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
	s.conns.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.write(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Action == "" {
		s.write(conn, Response{Error: "missing required field: action"})
		return
	}
	h, ok := s.handlers[req.Action]
	if !ok {
		s.write(conn, Response{Error: fmt.Sprintf("unknown action %q", req.Action)})
		return
	}

	result, err := h(ctx, req)
	if err != nil {
		s.log.Debug("action failed", zap.String("action", req.Action), zap.Error(err))
		s.write(conn, Response{Error: err.Error(), Code: errorCode(err)})
		return
	}
	resp := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.write(conn, Response{Error: fmt.Sprintf("internal: marshal response: %v", err)})
			return
		}
		resp.Data = data
	}
	s.write(conn, resp)
}

func (s *Server) write(conn net.Conn, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}
