package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskmachine/internal/auth"
	"taskmachine/internal/credentials"
	"taskmachine/internal/server"
	"taskmachine/internal/ssh"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var reclaim bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 Web 控制台",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), a.settings.HTTPAddr, reclaim)
		},
	}
	cmd.Flags().String("http", ":21008", "Web 服务地址，例如 :21008")
	cmd.Flags().BoolVar(&reclaim, "reclaim-port", false, "启动前结束已占用该端口的进程")
	_ = a.v.BindPFlag("http_addr", cmd.Flags().Lookup("http"))
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, reclaim bool) error {
	if reclaim {
		if port := listenPort(addr); port != "" {
			a.reclaimPort(ctx, port)
		}
	}

	dial := a.dialOptions()
	remoteLog := a.log.Named("remote")
	sessions := auth.NewStore(a.settings.Session.TTL, func() *ssh.Remote {
		return ssh.NewRemote(dial, remoteLog)
	}, a.log.Named("session"))
	defer sessions.Close()

	catalog, err := a.catalog()
	if err != nil {
		return err
	}
	api := server.New(server.Deps{
		Servers:     a.servers(),
		Sessions:    sessions,
		Auth:        auth.NewHandlers(auth.NewPasswords(a.settings.DataDir), sessions, a.log.Named("auth")),
		Dispatcher:  a.dispatcher(),
		Catalog:     catalog,
		History:     a.history(),
		Credentials: credentials.NewStore(a.settings.Credentials.Path),
		Dial:        dial,
		Logger:      a.log.Named("api"),
	})

	webRoot, err := fs.Sub(webFS, "web")
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(http.FileServer(http.FS(webRoot))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sessions.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.log.Infow("web dashboard listening", "addr", addr, "url", "http://127.0.0.1"+addr, "data_dir", a.settings.DataDir)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Infow("shutting down", "sessions", sessions.Len())
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭服务失败: %w", err)
	}
	return nil
}

// listenPort 从监听地址解析端口，如 ":21008" -> "21008"
func listenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		if strings.HasPrefix(addr, ":") && addr[1:] != "" {
			return strings.TrimPrefix(addr, ":")
		}
		return ""
	}
	return port
}

// reclaimPort 关闭占用端口的其他进程（lsof + kill，经本地执行器执行）
func (a *app) reclaimPort(ctx context.Context, port string) {
	local := a.local()
	res := local.Run(ctx, "lsof -t -i :"+port, 5*time.Second)
	if !res.OK() {
		// lsof 没有找到进程时以 1 退出
		return
	}
	self := os.Getpid()
	var pids []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid == self {
			continue
		}
		pids = append(pids, strconv.Itoa(pid))
	}
	if len(pids) == 0 {
		return
	}
	res = local.Run(ctx, "kill "+strings.Join(pids, " "), 5*time.Second)
	if !res.OK() {
		a.log.Warnw("reclaim port failed", "port", port, "pids", pids, "error", res.Output())
		return
	}
	a.log.Infow("reclaimed port", "port", port, "pids", pids)
	time.Sleep(800 * time.Millisecond)
}
