// Package sshtest 提供进程内 SSH 服务器，供测试使用
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "alice"
	Password = "secret"
)

// Server 进程内 SSH 服务器：密码/公钥认证，处理 exec 请求。
// "ls*" 返回固定目录列表，"exit N" 向 stderr 写 boom 并以 N 退出，
// "sleep*" 不返回直到通道关闭，"stream" 先输出 partial 再挂起，其余命令原样回显
type Server struct {
	ln        net.Listener
	execs     atomic.Int32
	stall     atomic.Bool
	clientKey ssh.PublicKey

	mu    sync.Mutex
	conns []net.Conn
}

// New 启动服务器；clientKey 非空时接受该公钥认证。测试结束时自动关闭
func New(t testing.TB, clientKey ssh.PublicKey) *Server {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	s := &Server{clientKey: clientKey}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.clientKey != nil && bytes.Equal(key.Marshal(), s.clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.serve(cfg)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string { return "127.0.0.1" }

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Execs 已处理的 exec 请求数
func (s *Server) Execs() int {
	return int(s.execs.Load())
}

// StallChannels 之后新开的通道既不接受也不拒绝，客户端一直等待
func (s *Server) StallChannels() {
	s.stall.Store(true)
}

// Close 关闭监听与所有已建立的连接
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *Server) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
			if err != nil {
				_ = conn.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			for ch := range chans {
				if s.stall.Load() {
					continue
				}
				if ch.ChannelType() != "session" {
					_ = ch.Reject(ssh.UnknownChannelType, "")
					continue
				}
				c, in, err := ch.Accept()
				if err != nil {
					continue
				}
				go s.handleSession(c, in)
			}
		}()
	}
}

func (s *Server) handleSession(ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()
	for req := range in {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		s.execs.Add(1)

		cmd := payload.Command
		switch {
		case strings.HasPrefix(cmd, "sleep"):
			// 不返回结果，直到客户端关闭通道
			continue
		case cmd == "stream":
			_, _ = ch.Write([]byte("partial\n"))
			_, _ = ch.Stderr().Write([]byte("warming up\n"))
			continue
		case strings.HasPrefix(cmd, "ls"):
			_, _ = ch.Write([]byte("Desktop\nDocuments\nDownloads\n"))
			exit(ch, 0)
		case strings.HasPrefix(cmd, "exit "):
			code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
			_, _ = ch.Stderr().Write([]byte("boom\n"))
			exit(ch, uint32(code))
		default:
			_, _ = ch.Write([]byte(cmd + "\n"))
			exit(ch, 0)
		}
		return
	}
}

func exit(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}
