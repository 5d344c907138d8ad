package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"taskmachine/internal/models"
	"taskmachine/internal/runner"
	"taskmachine/internal/ssh/sshtest"
)

func targetOf(srv *sshtest.Server) Target {
	return Target{Host: srv.Host(), Port: srv.Port(), Username: sshtest.User, Password: sshtest.Password}
}

func newTestRemote(t *testing.T) *Remote {
	return NewRemote(Options{DialTimeout: 3 * time.Second}, zaptest.NewLogger(t).Sugar())
}

func TestRemoteConnectRunDisconnect(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	ctx := context.Background()

	_, ok := r.Status()
	require.False(t, ok)

	require.NoError(t, r.Connect(ctx, targetOf(srv)))
	info, ok := r.Status()
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", info.Host)
	require.Equal(t, srv.Port(), info.Port)
	require.Equal(t, sshtest.User, info.Username)
	require.NotEmpty(t, info.ID)

	res := r.Run(ctx, "ls -la ~", 0)
	require.True(t, res.OK(), res.Output())
	require.Equal(t, runner.TargetRemote, res.Target)
	require.Contains(t, res.Stdout, "Documents")

	require.NoError(t, r.Disconnect())
	require.False(t, r.Connected())

	res = r.Run(ctx, "ls -la ~", 0)
	require.Equal(t, runner.KindNotConnected, res.Err.Kind)
	require.Equal(t, runner.ExitUnknown, res.ExitCode)

	// 重复断开为空操作
	require.NoError(t, r.Disconnect())
	require.False(t, r.Connected())
}

func TestRemoteRunWhileDisconnectedMakesNoNetworkCall(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)

	res := r.Run(context.Background(), "uname -a", time.Second)

	require.True(t, errors.Is(res.Err, runner.ErrNotConnected))
	require.Zero(t, srv.Execs())
}

func TestRemoteConnectWrongPassword(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	target := targetOf(srv)
	target.Password = "wrong"

	err := r.Connect(context.Background(), target)

	require.Error(t, err)
	require.Equal(t, runner.KindAuthFailed, runner.KindOf(err))
	require.Contains(t, err.Error(), "unable to authenticate")
	require.False(t, r.Connected())
}

func TestRemoteConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	r := newTestRemote(t)
	err = r.Connect(context.Background(), Target{Host: "127.0.0.1", Port: port, Username: sshtest.User, Password: sshtest.Password})

	require.Equal(t, runner.KindConnectionFailed, runner.KindOf(err))
	require.False(t, r.Connected())
}

func TestRemoteConnectInvalidTarget(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	r := newTestRemote(t)

	err := r.Connect(context.Background(), Target{Host: "127.0.0.1", Port: 70000, Username: sshtest.User, Password: "x"})
	require.ErrorIs(t, err, ErrInvalidTarget)

	err = r.Connect(context.Background(), Target{Host: "127.0.0.1", Port: 22, Username: sshtest.User})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestRemoteConnectTwice(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))
	require.ErrorIs(t, r.Connect(context.Background(), targetOf(srv)), ErrAlreadyConnected)
	require.True(t, r.Connected())
}

func TestRemoteRunNonZeroExit(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))

	res := r.Run(context.Background(), "exit 3", 0)

	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, runner.KindNonZeroExit, res.Err.Kind)
	require.Equal(t, "boom", res.Err.Detail)
	require.Equal(t, "boom\n", res.Stderr)
}

func TestRemoteRunTimeout(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))

	timeout := 200 * time.Millisecond
	start := time.Now()
	res := r.Run(context.Background(), "sleep 60", timeout)

	require.Equal(t, runner.KindTimeout, res.Err.Kind)
	require.Less(t, time.Since(start), timeout+2*time.Second)
	// 超时后连接仍然可用
	require.True(t, r.Run(context.Background(), "echo still-here", time.Second).OK())
}

func TestRemoteRunTimeoutWhileOpeningChannel(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))
	srv.StallChannels()

	timeout := 300 * time.Millisecond
	start := time.Now()
	res := r.Run(context.Background(), "uname -a", timeout)

	require.Equal(t, runner.KindTimeout, res.Err.Kind)
	require.Equal(t, runner.ExitUnknown, res.ExitCode)
	require.Less(t, time.Since(start), timeout+2*time.Second)
	require.Zero(t, srv.Execs())
}

func TestRemoteRunCanceledWhileOpeningChannel(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))
	srv.StallChannels()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, "uname -a", 10*time.Second)

	require.Equal(t, runner.KindCanceled, res.Err.Kind)
}

func TestRemoteRunTimeoutKeepsPartialOutput(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))

	res := r.Run(context.Background(), "stream", 300*time.Millisecond)

	require.Equal(t, runner.KindTimeout, res.Err.Kind)
	require.Equal(t, "partial\n", res.Stdout)
	require.Equal(t, "warming up\n", res.Stderr)
}

func TestRemoteRunCanceled(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, "sleep 60", 10*time.Second)

	require.Equal(t, runner.KindCanceled, res.Err.Kind)
}

func TestRemoteConnectionLost(t *testing.T) {
	srv := sshtest.New(t, nil)
	r := newTestRemote(t)
	require.NoError(t, r.Connect(context.Background(), targetOf(srv)))

	srv.Close()

	require.Eventually(t, func() bool { return !r.Connected() }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, r.Disconnect())
}

func TestRemoteConnectWithKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	srv := sshtest.New(t, sshPub)

	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	r := newTestRemote(t)
	target := Target{Host: "127.0.0.1", Port: srv.Port(), Username: sshtest.User, KeyPath: keyPath}

	err = r.Connect(context.Background(), target)
	require.ErrorIs(t, err, ErrInvalidTarget)
	require.Contains(t, err.Error(), "passphrase")

	target.Passphrase = "hunter2"
	require.NoError(t, r.Connect(context.Background(), target))
	require.NoError(t, r.Close())
}

func TestCheckConnection(t *testing.T) {
	srv := sshtest.New(t, nil)

	resolved, err := CheckConnection(context.Background(), targetOf(srv), Options{DialTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, srv.Port(), resolved.Port)
}

func TestResolveAlias(t *testing.T) {
	cfg := map[string]string{"HostName": "10.0.0.5", "Port": "2222", "User": "deploy"}
	resolver := func(alias, key string) string {
		if alias != "web" {
			return ""
		}
		return cfg[key]
	}

	got := resolve(Target{Host: "web"}, resolver)
	require.Equal(t, Target{Host: "10.0.0.5", Port: 2222, Username: "deploy"}, got)

	got = resolve(Target{Host: "web", Port: 22, Username: "root"}, resolver)
	require.Equal(t, 22, got.Port)
	require.Equal(t, "root", got.Username)

	got = resolve(Target{Host: "db"}, resolver)
	require.Equal(t, "db", got.Host)
	require.Zero(t, got.Port)
}

func TestTargetFromServer(t *testing.T) {
	s := models.Server{ID: "1", Host: "h", Port: 2200, User: "u", Password: "p", KeyPath: "/k"}

	require.Equal(t, Target{Host: "h", Port: 2200, Username: "u", Password: "p", KeyPath: "/k"}, TargetFromServer(s))
}
