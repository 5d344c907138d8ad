package runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout 调用方未指定超时时，本地与远程统一使用的超时
const DefaultTimeout = 30 * time.Second

// Executor 执行一条 shell 命令
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) Result
}

// Remote 会话内的远程执行器（可能处于未连接状态）
type Remote interface {
	Executor
	Connected() bool
}

// Dispatcher 按执行目标选择本地或远程执行器，两条路径使用同一命令串与同一超时策略
type Dispatcher struct {
	local          Executor
	defaultTimeout time.Duration
	logger         *zap.SugaredLogger
}

func NewDispatcher(local Executor, defaultTimeout time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{local: local, defaultTimeout: defaultTimeout, logger: logger}
}

// Resolve 把 Auto 解析为具体目标：远程已连接则 Remote，否则 Local
func (d *Dispatcher) Resolve(remote Remote, requested Target) Target {
	if requested != TargetAuto {
		return requested
	}
	if remote != nil && remote.Connected() {
		return TargetRemote
	}
	return TargetLocal
}

// Dispatch 在解析后的目标上执行 command；timeout <= 0 时使用默认超时
func (d *Dispatcher) Dispatch(ctx context.Context, remote Remote, target Target, command string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	target = d.Resolve(remote, target)
	reqID := uuid.NewString()

	var res Result
	switch target {
	case TargetRemote:
		if remote == nil {
			res = Failed(TargetRemote, command, ErrNotConnected)
			break
		}
		res = remote.Run(ctx, command, timeout)
	default:
		res = d.local.Run(ctx, command, timeout)
	}

	fields := []interface{}{
		"request_id", reqID,
		"target", target.String(),
		"command", command,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	}
	if res.Err != nil {
		fields = append(fields, "kind", res.Err.Kind.String(), "error", res.Err.Detail)
		d.logger.Warnw("command failed", fields...)
	} else {
		d.logger.Infow("command finished", fields...)
	}
	return res
}
