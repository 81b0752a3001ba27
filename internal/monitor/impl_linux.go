//go:build linux

package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/usbWarden/internal/model"
)

const (
	fanotifyMask = unix.FAN_CLOSE_WRITE |
		unix.FAN_CREATE |
		unix.FAN_DELETE |
		unix.FAN_MOVED_TO |
		unix.FAN_MOVED_FROM |
		unix.FAN_ONDIR |
		unix.FAN_EVENT_ON_CHILD
	// Poll 超时，用来检查 ctx 是否已取消
	pollTimeoutMs = 200
)

// Fanotify 每个 Watch 一个 fanotify fd，FAN_MARK_FILESYSTEM 覆盖整个 U 盘分区，并能拿到操作进程
type Fanotify struct {
	log *zap.Logger
}

func newFanotify(log *zap.Logger) (Source, error) {
	return &Fanotify{log: log.Named("fanotify")}, nil
}

func (f *Fanotify) Name() string { return "fanotify" }

func (f *Fanotify) Watch(ctx context.Context, mountPoint string, report func(Activity)) error {
	flags := uint(unix.FAN_CLASS_NOTIF | unix.FAN_REPORT_DFID_NAME | unix.FAN_CLOEXEC | unix.FAN_NONBLOCK)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY))
	if err != nil {
		return fmt.Errorf("%w: fanotify init: %v", ErrUnsupported, err)
	}
	defer unix.Close(fd)

	// FAN_MARK_FILESYSTEM: 监控整个文件系统，递归覆盖所有子目录
	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM, fanotifyMask, unix.AT_FDCWD, mountPoint); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("fanotify mark %s: %w", mountPoint, err)
		}
		return fmt.Errorf("%w: fanotify mark %s: %v", ErrUnsupported, mountPoint, err)
	}

	// 用于 open_by_handle_at 解析目录句柄
	mountFd, err := unix.Open(mountPoint, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open mount point: %w", err)
	}
	defer unix.Close(mountFd)

	resolve := func(handleType int32, handle []byte) string {
		dirFd, err := unix.OpenByHandleAt(mountFd, unix.NewFileHandle(handleType, handle), unix.O_PATH)
		if err != nil {
			return ""
		}
		defer unix.Close(dirFd)
		dir, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(dirFd))
		if err != nil {
			return ""
		}
		return dir
	}

	var buf [4096]byte
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.Poll(pfd, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll fanotify: %w", err)
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("read fanotify: %w", err)
		}
		if ctx.Err() != nil {
			// 已停止的 watch 不再上报
			return nil
		}
		now := time.Now()
		for _, raw := range parseEvents(buf[:n], f.log) {
			dir := resolve(raw.handleType, raw.handle)
			if dir == "" {
				dir = mountPoint
			}
			a := Activity{
				Path:    filepath.Join(dir, raw.name),
				Op:      raw.op,
				PID:     raw.pid,
				Process: procName(raw.pid),
				At:      now,
			}
			report(a)
		}
	}
}

// rawEvent 一条 DFID_NAME 记录
type rawEvent struct {
	op         model.AuditOp
	pid        int32
	handleType int32
	handle     []byte
	name       string
}

// parseEvents 解析一次 read 得到的缓冲区
// fanotify 事件结构：[FanotifyEventMetadata] + [FanotifyEventInfoFid1] + [FanotifyEventInfoFid2] ...
func parseEvents(buf []byte, log *zap.Logger) []rawEvent {
	var out []rawEvent
	offset := 0
	for offset+model.FanotifyEventMetadataSize <= len(buf) {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[offset:offset+model.FanotifyEventMetadataSize]), binary.NativeEndian, &meta); err != nil {
			log.Error("fanotify metadata read failed", zap.Error(err))
			break
		}
		end := offset + int(meta.Event_len)
		if meta.Event_len < uint32(meta.Metadata_len) || end > len(buf) {
			log.Error("fanotify event truncated", zap.Uint32("len", meta.Event_len))
			break
		}
		if meta.Fd >= 0 {
			unix.Close(int(meta.Fd))
		}
		if meta.Vers == unix.FANOTIFY_METADATA_VERSION {
			if op, ok := fanotifyOp(meta.Mask); ok {
				info := buf[offset+int(meta.Metadata_len) : end]
				for _, rec := range parseInfo(info) {
					rec.op = op
					rec.pid = meta.Pid
					out = append(out, rec)
				}
			}
		}
		offset = end
	}
	return out
}

// parseInfo 遍历 info 记录，只取 DFID_NAME
// FanotifyEventInfoFid 结构: [Header] + [FSID] + [FileHandle] + [f_handle] + [以 \0 结尾的文件名]
func parseInfo(info []byte) []rawEvent {
	var out []rawEvent
	for len(info) >= model.FanotifyEventInfoFidSize {
		var fid model.FanotifyEventInfoFid
		if err := binary.Read(bytes.NewReader(info[:model.FanotifyEventInfoFidSize]), binary.NativeEndian, &fid); err != nil {
			break
		}
		recLen := int(fid.Hdr.Len)
		if recLen < model.FanotifyEventInfoFidSize || recLen > len(info) {
			break
		}
		rec := info[:recLen]
		info = info[recLen:]
		if fid.Hdr.InfoType != unix.FAN_EVENT_INFO_TYPE_DFID_NAME {
			continue
		}

		body := rec[model.FanotifyEventInfoFidSize:]
		if len(body) < model.FileHandleSize {
			continue
		}
		var fh model.FileHandle
		if err := binary.Read(bytes.NewReader(body[:model.FileHandleSize]), binary.NativeEndian, &fh); err != nil {
			continue
		}
		body = body[model.FileHandleSize:]
		if int(fh.HandleBytes) > len(body) {
			continue
		}
		handle := append([]byte(nil), body[:fh.HandleBytes]...)
		nameBuf := body[fh.HandleBytes:]
		if idx := bytes.IndexByte(nameBuf, 0); idx != -1 {
			nameBuf = nameBuf[:idx]
		}
		// "." 表示事件发生在目录本身
		name := string(nameBuf)
		if name == "" || name == "." {
			continue
		}
		out = append(out, rawEvent{handleType: fh.HandleType, handle: handle, name: name})
	}
	return out
}

func fanotifyOp(mask uint64) (model.AuditOp, bool) {
	switch {
	case mask&unix.FAN_CREATE != 0:
		return model.OpCreate, true
	case mask&unix.FAN_DELETE != 0:
		return model.OpDelete, true
	case mask&(unix.FAN_MOVED_FROM|unix.FAN_MOVED_TO) != 0:
		return model.OpRename, true
	case mask&unix.FAN_CLOSE_WRITE != 0:
		return model.OpModify, true
	}
	return "", false
}

func procName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "comm"))
	if err != nil {
		// 进程已经退出
		if os.IsNotExist(err) {
			return "exited"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
