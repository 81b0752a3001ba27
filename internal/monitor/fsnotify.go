package monitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// Fsnotify 基于 inotify / ReadDirectoryChangesW 的审计源，递归添加子目录
// 拿不到操作进程
type Fsnotify struct {
	log *zap.Logger
}

func NewFsnotify(log *zap.Logger) *Fsnotify {
	return &Fsnotify{log: log.Named("fsnotify")}
}

func (s *Fsnotify) Name() string { return "fsnotify" }

func (s *Fsnotify) Watch(ctx context.Context, mountPoint string, report func(Activity)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := s.addTree(w, mountPoint); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					// 新目录及其中已有的文件
					if err := s.addTree(w, ev.Name); err != nil {
						s.log.Warn("watch new directory failed", zap.String("dir", ev.Name), zap.Error(err))
					}
				}
			}
			if op, ok := fsnotifyOp(ev.Op); ok {
				report(Activity{Path: ev.Name, Op: op, At: time.Now()})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("fsnotify error", zap.String("mount", mountPoint), zap.Error(err))
		}
	}
}

func (s *Fsnotify) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// 子目录不可读时跳过
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

func fsnotifyOp(op fsnotify.Op) (model.AuditOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return model.OpCreate, true
	case op.Has(fsnotify.Write):
		return model.OpModify, true
	case op.Has(fsnotify.Remove):
		return model.OpDelete, true
	case op.Has(fsnotify.Rename):
		return model.OpRename, true
	}
	return "", false
}
