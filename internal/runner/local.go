package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultShell = "/bin/sh"
	// waitDelay 超时/取消杀进程后，等待子进程释放管道的上限
	waitDelay = 500 * time.Millisecond
)

// Local 在本机 shell 中执行命令
type Local struct {
	Shell string
}

// NewLocal 创建本地执行器；shell 为空时使用 /bin/sh
func NewLocal(shell string) *Local {
	if strings.TrimSpace(shell) == "" {
		shell = defaultShell
	}
	return &Local{Shell: shell}
}

// Run 以 `<shell> -c command` 执行；timeout <= 0 表示不限时。从不返回 error，失败信息放在 Result.Err 中
func (l *Local) Run(ctx context.Context, command string, timeout time.Duration) Result {
	shell := l.Shell
	if shell == "" {
		shell = defaultShell
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Target:   TargetLocal,
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitUnknown
		res.Err = NewError(KindTimeout, "命令执行超时，已用时 "+res.Duration.Round(time.Millisecond).String(), ctx.Err())
	case errors.Is(ctx.Err(), context.Canceled):
		res.ExitCode = ExitUnknown
		res.Err = NewError(KindCanceled, "命令已取消", ctx.Err())
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		// shell 已退出，但后台子进程仍持有输出管道
		res.ExitCode = cmd.ProcessState.ExitCode()
		if res.ExitCode != 0 {
			res.Err = NewError(KindNonZeroExit, strings.TrimSpace(res.Stderr), err)
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = NewError(KindNonZeroExit, strings.TrimSpace(res.Stderr), err)
			if res.Err.Detail == "" {
				res.Err.Detail = exitErr.Error()
			}
			break
		}
		res.ExitCode = ExitUnknown
		res.Err = NewError(KindSpawnFailed, "", err)
	}
	return res
}
