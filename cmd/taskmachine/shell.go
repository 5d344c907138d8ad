package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"taskmachine/internal/history"
	"taskmachine/internal/models"
	"taskmachine/internal/ssh"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <server-id>",
		Short: "打开已保存服务器的交互式终端",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.servers().Get(args[0])
			if err != nil {
				return err
			}
			title := "SSH: " + s.Label()
			showServerBanner(cmd.OutOrStdout(), s, title)

			// 先记录，避免用户直接关闭终端时没有记录
			a.record(history.CategoryRemote, "Shell to "+s.Label())
			err = ssh.Shell(cmd.Context(), s, ssh.ShellOptions{
				Dial:        a.dialOptions(),
				WindowTitle: title,
			})
			if err != nil {
				a.log.Warnw("shell ended with error", "server", s.ID, "host", s.Host, "error", err)
				return err
			}
			a.log.Infow("shell closed", "server", s.ID, "host", s.Host)
			return nil
		},
	}
}

// showServerBanner 打印服务器标识并设置终端窗口标题（OSC 0 / OSC 2）
func showServerBanner(w io.Writer, s models.Server, title string) {
	fmt.Fprint(w, "\033]0;", title, "\007")
	fmt.Fprint(w, "\033]2;", title, "\007")
	fmt.Fprintf(w, "\n  ═══ %s ═══\n  主机: %s  |  用户: %s  |  端口: %d\n\n", s.Name, s.Host, s.User, s.Port)
}
