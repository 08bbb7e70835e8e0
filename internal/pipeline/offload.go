package pipeline

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// NewPool 创建一个 ants 协程池，size 小于 1 时取 1。
func NewPool(size int) (*ants.Pool, error) {
	if size < 1 {
		size = 1
	}
	return ants.NewPool(size)
}

// offload 把 CPU 或 I/O 密集的工作交给协程池执行并等待结果。
// pool 为 nil 时在当前 goroutine 执行。fn 中的 panic 会转换为错误返回。
func offload[T any](ctx context.Context, pool *ants.Pool, fn func() (T, error)) (T, error) {
	var zero T
	if pool == nil {
		return safeCall(fn)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	if err := pool.Submit(func() {
		v, err := safeCall(fn)
		done <- result{v, err}
	}); err != nil {
		return zero, fmt.Errorf("提交任务到协程池失败: %w", err)
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
