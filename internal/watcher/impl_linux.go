//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/usbWarden/internal/model"
)

// 连续这么多次 netlink 读错误后放弃
const maxNetlinkErrors = 10

func newWatcher(opts Options) (DeviceWatcher, error) {
	scanner := SysfsScanner{Root: opts.SysfsRoot}
	switch opts.Mode {
	case "poll":
		return NewPoller(scanner.Scan, opts.PollInterval, opts.Logger.Named("poller")), nil
	case "netlink":
		return newNetlinkWatcher(scanner, opts.Logger), nil
	case "", "auto":
		return &fallback{
			primary:   newNetlinkWatcher(scanner, opts.Logger),
			secondary: NewPoller(scanner.Scan, opts.PollInterval, opts.Logger.Named("poller")),
			log:       opts.Logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown watcher mode %q", opts.Mode)
}

// netlinkWatcher 监听 NETLINK_KOBJECT_UEVENT，只关心 SUBSYSTEM=usb
type netlinkWatcher struct {
	*stream
	scanner SysfsScanner
	log     *zap.Logger
	tracker *tracker
}

func newNetlinkWatcher(scanner SysfsScanner, log *zap.Logger) *netlinkWatcher {
	return &netlinkWatcher{
		stream:  newStream(),
		scanner: scanner,
		log:     log.Named("udev"),
		tracker: newTracker(),
	}
}

func (w *netlinkWatcher) Start(ctx context.Context) (<-chan model.DeviceEvent, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect uevent netlink: %w", err)
	}
	queue := make(chan netlink.UEvent, 64)
	errs := make(chan error, 8)
	quit := conn.Monitor(queue, errs, nil)

	go w.loop(ctx, conn, queue, errs, quit)
	return w.events, nil
}

func (w *netlinkWatcher) loop(ctx context.Context, conn *netlink.UEventConn,
	queue <-chan netlink.UEvent, errs <-chan error, quit chan struct{}) {
	defer conn.Close()
	// 通知 Monitor 退出
	defer close(quit)

	// 先订阅再扫描，扫描期间的事件由 tracker 去重
	existing, err := w.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = nil
		}
		w.finish(err)
		return
	}
	w.log.Info("🔍 initial scan finished", zap.Int("devices", len(existing)))
	for _, ev := range w.tracker.reconcile(existing, time.Now()) {
		if !w.send(ctx, ev) {
			w.finish(nil)
			return
		}
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.finish(nil)
			return
		case err := <-errs:
			failures++
			if fatalNetlinkError(err) || failures >= maxNetlinkErrors {
				w.log.Error("❌ uevent source failed", zap.Int("consecutive", failures), zap.Error(err))
				w.finish(sourceFailed(err))
				return
			}
			w.log.Warn("uevent read error", zap.Error(err))
		case uevent, open := <-queue:
			if !open {
				w.finish(sourceFailed(errors.New("uevent monitor stopped")))
				return
			}
			failures = 0
			for _, ev := range w.handle(uevent, time.Now()) {
				if !w.send(ctx, ev) {
					w.finish(nil)
					return
				}
			}
		}
	}
}

// handle 把一条 uevent 翻译成 0 或 1 个设备事件
func (w *netlinkWatcher) handle(u netlink.UEvent, now time.Time) []model.DeviceEvent {
	if u.Env["SUBSYSTEM"] != "usb" {
		return nil
	}
	devPath := u.Env["DEVPATH"]
	if devPath == "" {
		devPath = u.KObj
	}
	name := filepath.Base(devPath)

	var (
		ev model.DeviceEvent
		ok bool
	)
	switch u.Env["DEVTYPE"] {
	case "usb_device":
		if !isDeviceName(name) {
			return nil
		}
		if string(u.Action) == "remove" {
			ev, ok = w.tracker.detach(name, now)
			break
		}
		d, err := w.scanner.Read(name)
		if err != nil {
			// 读取途中被拔出
			w.log.Debug("device vanished while reading attributes", zap.String("bus", name), zap.Error(err))
			ev, ok = w.tracker.detach(name, now)
			break
		}
		ev, ok = w.tracker.attach(d, now)
	case "usb_interface":
		// 接口绑定/解绑会改变设备类别 (例如授权后存储接口重新出现)
		parent, _, _ := strings.Cut(name, ":")
		d, err := w.scanner.Read(parent)
		if err != nil {
			return nil
		}
		ev, ok = w.tracker.refresh(d, now)
	}
	if !ok {
		return nil
	}
	return []model.DeviceEvent{ev}
}

func fatalNetlinkError(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENOTSOCK)
}
