package authz

import (
	"context"
	"errors"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

// Bounded 给后端调用加上超时。超时后立即返回 ErrTimeout，
// 卡住的调用在后台继续运行直到底层返回，其结果被丢弃。
// 调用方用 Settled 取得底层调用真正结束的信号，在此之前不能对同一设备发起新调用
func Bounded(b Backend, timeout time.Duration) Backend {
	return &bounded{inner: b, timeout: timeout}
}

type bounded struct {
	inner   Backend
	timeout time.Duration
}

type outcome struct {
	res Result
	err error
}

func (b *bounded) Name() string { return b.inner.Name() }

func (b *bounded) Authorize(ctx context.Context, d model.Device) (Result, error) {
	return b.call(ctx, OpAuthorize, d, b.inner.Authorize)
}

func (b *bounded) Deauthorize(ctx context.Context, d model.Device) (Result, error) {
	return b.call(ctx, OpDeauthorize, d, b.inner.Deauthorize)
}

func (b *bounded) call(ctx context.Context, op string, d model.Device,
	fn func(context.Context, model.Device) (Result, error)) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		res, err := fn(ctx, d)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == context.DeadlineExceeded {
			return Result{}, &ActionError{Op: op, BusPath: d.BusPath, Err: ErrTimeout}
		}
		return o.res, o.err
	case <-ctx.Done():
		cause := ctx.Err()
		if cause == context.DeadlineExceeded {
			cause = ErrTimeout
		}
		return Result{}, &ActionError{Op: op, BusPath: d.BusPath, Err: &abandoned{cause: cause, settled: settled}}
	}
}

// abandoned 调用方已放弃等待，但底层调用还没有返回
type abandoned struct {
	cause   error
	settled <-chan struct{}
}

func (a *abandoned) Error() string { return a.cause.Error() + " (call still running)" }

func (a *abandoned) Unwrap() error { return a.cause }

// Settled 被放弃的调用在底层真正返回后关闭的 channel；
// err 不是被放弃的调用时返回 nil
func Settled(err error) <-chan struct{} {
	var a *abandoned
	if errors.As(err, &a) {
		return a.settled
	}
	return nil
}
