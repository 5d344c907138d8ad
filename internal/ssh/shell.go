package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"taskmachine/internal/models"
)

// ShellOptions 交互式终端选项
type ShellOptions struct {
	Dial        Options
	WindowTitle string // 非空时连接期间定期写入 /dev/tty，防止远程覆盖标题
	Stdin       *os.File
	Stdout      io.Writer
	Stderr      io.Writer
}

// Shell 连接已保存的服务器并进入交互式终端，直到远程 shell 退出
func Shell(ctx context.Context, s models.Server, opts ShellOptions) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	fd := int(opts.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("标准输入不是终端，无法进入交互模式")
	}

	client, _, err := Dial(ctx, TargetFromServer(s), opts.Dial)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("创建会话失败: %w", err)
	}
	defer session.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	w, h, err := term.GetSize(fd)
	if err != nil {
		w, h = 80, 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", h, w, modes); err != nil {
		return fmt.Errorf("请求 PTY 失败: %w", err)
	}
	session.Stdin = opts.Stdin
	session.Stdout = opts.Stdout
	session.Stderr = opts.Stderr

	done := make(chan struct{})
	defer close(done)
	go watchWindowSize(done, session, fd, w, h)
	if opts.WindowTitle != "" {
		go keepWindowTitle(done, opts.WindowTitle)
	}

	if err := session.Shell(); err != nil {
		return err
	}
	return session.Wait()
}

// keepWindowTitle 定期向 /dev/tty 写入 OSC 标题
func keepWindowTitle(done <-chan struct{}, title string) {
	tty, err := os.OpenFile("/dev/tty", os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer tty.Close()
	seq := "\033]0;" + title + "\007\033]2;" + title + "\007"
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		_, _ = tty.WriteString(seq)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// watchWindowSize 轮询终端尺寸，变化时通知远端
func watchWindowSize(done <-chan struct{}, session *ssh.Session, fd, w, h int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			nw, nh, err := term.GetSize(fd)
			if err != nil {
				return
			}
			if nw != w || nh != h {
				w, h = nw, nh
				_ = session.WindowChange(h, w)
			}
		}
	}
}
