package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"taskmachine/internal/models"
	"taskmachine/internal/runner"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
)

// ErrInvalidTarget 连接参数不完整或非法（未发起任何网络请求）
var ErrInvalidTarget = errors.New("invalid ssh target")

// Target 一次连接所需的参数，密码与私钥二选一或都填
type Target struct {
	Host       string
	Port       int
	Username   string
	Password   string
	KeyPath    string
	Passphrase string
}

// TargetFromServer 由已保存的服务器生成连接参数
func TargetFromServer(s models.Server) Target {
	return Target{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.User,
		Password: s.Password,
		KeyPath:  s.KeyPath,
	}
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// AliasResolver 查询 ~/.ssh/config 中 Host 别名的某个配置项
type AliasResolver func(alias, key string) string

// SSHConfigResolver 使用用户的 ~/.ssh/config
func SSHConfigResolver(alias, key string) string {
	return ssh_config.Get(alias, key)
}

// Options 拨号选项
type Options struct {
	DialTimeout    time.Duration
	KnownHostsPath string
	StrictHostKey  bool
	Resolve        AliasResolver
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return defaultDialTimeout
}

// resolve 用 ssh config 补全别名对应的主机、端口、用户与私钥，显式填写的字段优先
func resolve(t Target, r AliasResolver) Target {
	t.Host = strings.TrimSpace(t.Host)
	t.Username = strings.TrimSpace(t.Username)
	if r == nil || t.Host == "" {
		return t
	}
	alias := t.Host
	if hn := r(alias, "HostName"); hn != "" {
		t.Host = hn
	}
	if t.Port == 0 {
		if p, err := strconv.Atoi(r(alias, "Port")); err == nil {
			t.Port = p
		}
	}
	if t.Username == "" {
		t.Username = r(alias, "User")
	}
	if t.KeyPath == "" && t.Password == "" {
		if id := expandHome(r(alias, "IdentityFile")); id != "" {
			if _, err := os.Stat(id); err == nil {
				t.KeyPath = id
			}
		}
	}
	return t
}

func validate(t Target) error {
	if t.Host == "" {
		return fmt.Errorf("%w: 请填写主机地址", ErrInvalidTarget)
	}
	if t.Username == "" {
		return fmt.Errorf("%w: 请填写用户名", ErrInvalidTarget)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%w: 端口 %d 超出范围 1-65535", ErrInvalidTarget, t.Port)
	}
	return nil
}

// Dial 建立 SSH 连接并完成握手。失败时返回 *runner.Error（AuthFailed / ConnectionFailed）或 ErrInvalidTarget
func Dial(ctx context.Context, t Target, opts Options) (*ssh.Client, Target, error) {
	t = resolve(t, opts.Resolve)
	if t.Port == 0 {
		t.Port = defaultPort
	}
	if err := validate(t); err != nil {
		return nil, t, err
	}

	config, closeAgent, err := buildClientConfig(t, opts)
	if err != nil {
		return nil, t, err
	}
	defer closeAgent()

	timeout := opts.dialTimeout()
	config.Timeout = timeout
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, t, runner.NewError(runner.KindConnectionFailed, "", err)
	}
	// 握手阶段同样受超时限制
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), config)
	if err != nil {
		_ = conn.Close()
		return nil, t, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), t, nil
}

// CheckConnection 测试连接：握手成功后立即关闭
func CheckConnection(ctx context.Context, t Target, opts Options) (Target, error) {
	client, resolved, err := Dial(ctx, t, opts)
	if err != nil {
		return resolved, err
	}
	return resolved, client.Close()
}

func classifyHandshake(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return runner.NewError(runner.KindAuthFailed, "", err)
	}
	return runner.NewError(runner.KindConnectionFailed, "", err)
}

// buildClientConfig 认证顺序：私钥、密码；两者都没有时尝试 ssh-agent
func buildClientConfig(t Target, opts Options) (*ssh.ClientConfig, func(), error) {
	noop := func() {}
	var auth []ssh.AuthMethod
	if t.KeyPath != "" {
		keyAuth, err := readPrivateKey(t.KeyPath, t.Passphrase)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: 读取私钥失败: %v", ErrInvalidTarget, err)
		}
		auth = append(auth, keyAuth)
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	closer := noop
	if len(auth) == 0 {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closer = func() { _ = conn.Close() }
			}
		}
	}
	if len(auth) == 0 {
		return nil, noop, fmt.Errorf("%w: 请配置密码或私钥路径", ErrInvalidTarget)
	}

	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		closer()
		return nil, noop, err
	}
	return &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}, closer, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if !opts.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := expandHome(opts.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("读取 known_hosts %s 失败: %w", path, err)
	}
	return cb, nil
}

func readPrivateKey(path, passphrase string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, err
		}
		if passphrase == "" {
			return nil, fmt.Errorf("私钥已加密，请提供 passphrase: %w", err)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, err
		}
	}
	return ssh.PublicKeys(signer), nil
}

func expandHome(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
