package ssh

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"taskmachine/internal/runner"
)

// outputDrainDelay 超时关闭通道后，等待已收到输出写完的上限
const outputDrainDelay = 500 * time.Millisecond

// ErrAlreadyConnected 会话已持有连接，需先断开
var ErrAlreadyConnected = errors.New("remote session already connected")

// Info 当前连接的展示信息
type Info struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Remote 单个会话的远程连接槽位：最多持有一个连接，不重连、不保活
type Remote struct {
	opts   Options
	logger *zap.SugaredLogger

	mu     sync.Mutex
	client *ssh.Client
	info   Info
}

func NewRemote(opts Options, logger *zap.SugaredLogger) *Remote {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Remote{opts: opts, logger: logger}
}

// Connect 握手成功后进入 Connected；失败时保持 Disconnected 并返回底层错误
func (r *Remote) Connect(ctx context.Context, t Target) error {
	if r.Connected() {
		return ErrAlreadyConnected
	}
	client, resolved, err := Dial(ctx, t, r.opts)
	if err != nil {
		r.logger.Warnw("remote connect failed",
			"host", resolved.Host, "port", resolved.Port, "user", resolved.Username,
			"kind", runner.KindOf(err).String(), "error", err)
		return err
	}

	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		_ = client.Close()
		return ErrAlreadyConnected
	}
	r.client = client
	r.info = Info{
		ID:          uuid.NewString(),
		Host:        resolved.Host,
		Port:        resolved.Port,
		Username:    resolved.Username,
		ConnectedAt: time.Now(),
	}
	info := r.info
	r.mu.Unlock()

	go r.watch(client)
	r.logger.Infow("remote connected", "id", info.ID, "host", info.Host, "port", info.Port, "user", info.Username)
	return nil
}

// watch 连接在远端断开时清空槽位
func (r *Remote) watch(client *ssh.Client) {
	err := client.Wait()
	r.mu.Lock()
	if r.client != client {
		r.mu.Unlock()
		return
	}
	id := r.info.ID
	r.client = nil
	r.info = Info{}
	r.mu.Unlock()
	r.logger.Warnw("remote connection lost", "id", id, "error", err)
}

// Disconnect 关闭连接；未连接时为空操作
func (r *Remote) Disconnect() error {
	r.mu.Lock()
	client := r.client
	info := r.info
	r.client = nil
	r.info = Info{}
	r.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		r.logger.Debugw("remote close", "id", info.ID, "error", err)
	}
	r.logger.Infow("remote disconnected", "id", info.ID, "host", info.Host)
	return nil
}

// Close 供会话结束时统一释放
func (r *Remote) Close() error {
	return r.Disconnect()
}

func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil
}

// Status 返回连接信息与是否已连接
func (r *Remote) Status() (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info, r.client != nil
}

// Run 在当前连接上执行命令。未连接时立即返回 NotConnected，不做任何网络请求；timeout <= 0 使用默认 30s
func (r *Remote) Run(ctx context.Context, command string, timeout time.Duration) runner.Result {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return runner.Failed(runner.TargetRemote, command, runner.ErrNotConnected)
	}
	if timeout <= 0 {
		timeout = runner.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		stdout, stderr bytes.Buffer
		mu             sync.Mutex
		session        *ssh.Session
		abandoned      bool
	)
	// 打开通道与执行都放在 goroutine 中，超时同样覆盖通道建立阶段
	done := make(chan error, 1)
	go func() {
		s, err := client.NewSession()
		if err != nil {
			done <- err
			return
		}
		s.Stdout = &stdout
		s.Stderr = &stderr
		mu.Lock()
		if abandoned {
			mu.Unlock()
			_ = s.Close()
			done <- ctx.Err()
			return
		}
		session = s
		mu.Unlock()
		defer s.Close()
		done <- s.Run(command)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		s := session
		mu.Unlock()

		res := runner.Failed(runner.TargetRemote, command, nil)
		if s != nil {
			_ = s.Signal(ssh.SIGKILL)
			_ = s.Close()
			// 等输出写完再读取已收到的部分
			select {
			case <-done:
				res.Stdout = stdout.String()
				res.Stderr = stderr.String()
			case <-time.After(outputDrainDelay):
			}
		}
		res.Duration = time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = runner.NewError(runner.KindTimeout, "命令执行超时，限时 "+timeout.String(), ctx.Err())
		} else {
			res.Err = runner.NewError(runner.KindCanceled, "命令已取消", ctx.Err())
		}
		return res
	}

	res := runner.Result{
		Target:   runner.TargetRemote,
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = exitErr.Error()
		}
		res.Err = runner.NewError(runner.KindNonZeroExit, detail, err)
		return res
	}
	res.ExitCode = runner.ExitUnknown
	res.Err = runner.NewError(runner.KindConnectionFailed, "", err)
	return res
}
