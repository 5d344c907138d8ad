package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskmachine/internal/history"
	"taskmachine/internal/runner"
	"taskmachine/internal/ssh"
	"taskmachine/internal/tools"
)

// targetFlags 一次性命令的远程目标；未指定 --host 时在本机执行
type targetFlags struct {
	host        string
	port        int
	user        string
	password    string
	askPassword bool
	keyPath     string
	passphrase  string
	timeout     time.Duration
}

func (t *targetFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&t.host, "host", "", "在该 SSH 主机（或 ~/.ssh/config 别名）上执行，不指定则在本机执行")
	f.IntVar(&t.port, "port", 0, "SSH 端口（默认取 ~/.ssh/config 或 22）")
	f.StringVarP(&t.user, "user", "u", "", "SSH 用户名")
	f.StringVar(&t.password, "password", "", "SSH 密码")
	f.BoolVar(&t.askPassword, "ask-password", false, "交互式输入 SSH 密码")
	f.StringVar(&t.keyPath, "key", "", "SSH 私钥路径")
	f.StringVar(&t.passphrase, "passphrase", "", "私钥口令")
	f.DurationVar(&t.timeout, "timeout", 0, "命令超时（默认 exec.default_timeout）")
}

func (t *targetFlags) target() (ssh.Target, error) {
	st := ssh.Target{
		Host:       t.host,
		Port:       t.port,
		Username:   t.user,
		Password:   t.password,
		KeyPath:    t.keyPath,
		Passphrase: t.passphrase,
	}
	if t.askPassword && st.Password == "" {
		fmt.Fprintf(os.Stderr, "%s 密码: ", t.host)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return st, fmt.Errorf("读取密码失败: %w", err)
		}
		st.Password = string(pw)
	}
	return st, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		tf     targetFlags
		params []string
	)
	cmd := &cobra.Command{
		Use:   "run <tool-id>",
		Short: "执行一次目录中的工具，本机或 --host 指定的主机",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			tool, err := catalog.Lookup(args[0])
			if err != nil {
				return err
			}
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			command, err := tool.Build(values)
			if err != nil {
				return err
			}
			timeout := tf.timeout
			if timeout <= 0 {
				timeout = tool.Timeout
			}
			return a.runOnce(cmd, &tf, command, timeout, tool.Category, tool.Title)
		},
	}
	tf.register(cmd)
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "工具参数，格式 name=value（可重复）")
	return cmd
}

func newExecCmd(a *app) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "exec [flags] -- <command> | <argv>...",
		Short: "执行一次 shell 命令，本机或 --host 指定的主机",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := joinCommand(args)
			if command == "" {
				return fmt.Errorf("请输入要执行的命令")
			}
			return a.runOnce(cmd, &tf, command, tf.timeout, history.CategoryCommand, command)
		},
	}
	tf.register(cmd)
	return cmd
}

// joinCommand 单个参数原样作为 shell 命令；多个参数逐个加引号，保留调用方的分词
func joinCommand(args []string) string {
	if len(args) == 1 {
		return strings.TrimSpace(args[0])
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = tools.ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func parseParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--param %q 格式错误，应为 name=value", kv)
		}
		out[name] = value
	}
	return out, nil
}

// runOnce 指定 --host 时建立仅在本次命令内有效的远程连接，任何路径返回前都会关闭
func (a *app) runOnce(cmd *cobra.Command, tf *targetFlags, command string, timeout time.Duration, category, action string) error {
	ctx := cmd.Context()
	requested := runner.TargetLocal
	var remote runner.Remote
	if tf.host != "" {
		r, err := a.connect(ctx, tf)
		if err != nil {
			return err
		}
		defer r.Close()
		remote = r
		requested = runner.TargetRemote
	}

	res := a.dispatcher().Dispatch(ctx, remote, requested, command, timeout)
	_, _ = fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	a.record(category, fmt.Sprintf("%s (%s)", action, res.Target))

	if res.Err == nil {
		return nil
	}
	if res.Err.Kind == runner.KindNonZeroExit {
		return exitCodeError{code: res.ExitCode}
	}
	return res.Err
}

func (a *app) connect(ctx context.Context, tf *targetFlags) (*ssh.Remote, error) {
	t, err := tf.target()
	if err != nil {
		return nil, err
	}
	r := ssh.NewRemote(a.dialOptions(), a.log.Named("remote"))
	if err := r.Connect(ctx, t); err != nil {
		return nil, err
	}
	return r, nil
}
