package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskmachine/internal/config"
	"taskmachine/internal/history"
	"taskmachine/internal/logger"
	"taskmachine/internal/runner"
	"taskmachine/internal/ssh"
	"taskmachine/internal/tools"
)

// app 各子命令共享的配置与依赖，PersistentPreRunE 中初始化
type app struct {
	v          *viper.Viper
	configFile string
	settings   *config.Settings
	log        *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "taskmachine",
		Short:         "在本机或经 SSH 在远程主机上执行 Linux / Docker 工具",
		Version:       version + " (" + gitCommit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		// 不带子命令时启动 Web 服务
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), a.settings.HTTPAddr, false)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "配置文件（默认 <data-dir>/config.yaml）")
	flags.String("data-dir", config.DefaultDataDir(), "服务器列表、历史、日志与凭据的存放目录")
	flags.String("log-level", "info", "日志级别：debug、info、warn、error")
	_ = a.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newExecCmd(a),
		newToolsCmd(a),
		newHistoryCmd(a),
		newShellCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	s, err := config.LoadSettings(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.settings = s

	level := s.Log.Level
	// 一次性命令默认只输出告警，避免日志混进命令输出
	if cmd.Name() != "serve" && cmd != cmd.Root() && !cmd.Flags().Changed("log-level") && level == "info" {
		level = "warn"
	}
	log, err := logger.New(level, s.Log.File)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

func (a *app) dialOptions() ssh.Options {
	opts := ssh.Options{
		DialTimeout:    a.settings.SSH.DialTimeout,
		KnownHostsPath: a.settings.SSH.KnownHosts,
		StrictHostKey:  a.settings.SSH.StrictHostKey,
	}
	if a.settings.SSH.UseSSHConfig {
		opts.Resolve = ssh.SSHConfigResolver
	}
	return opts
}

func (a *app) local() *runner.Local {
	return runner.NewLocal(a.settings.Exec.Shell)
}

func (a *app) dispatcher() *runner.Dispatcher {
	return runner.NewDispatcher(a.local(), a.settings.Exec.DefaultTimeout, a.log.Named("dispatch"))
}

func (a *app) catalog() (*tools.Catalog, error) {
	return tools.Load(a.settings.Tools.Catalog)
}

func (a *app) history() *history.Log {
	return history.Open(a.settings.DataDir)
}

func (a *app) servers() *config.Store {
	return config.NewStore(a.settings.DataDir)
}

func (a *app) record(category, action string) {
	if err := a.history().Append(category, action); err != nil {
		a.log.Warnw("history append failed", "error", err)
	}
}
