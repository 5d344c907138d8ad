package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName   = "taskmachine"
	envPrefix = "TASKMACHINE"
)

// Settings 运行配置：默认值 < config.yaml < TASKMACHINE_* 环境变量 < 命令行参数
type Settings struct {
	DataDir     string          `mapstructure:"data_dir"`
	HTTPAddr    string          `mapstructure:"http_addr"`
	Log         LogSettings     `mapstructure:"log"`
	Exec        ExecSettings    `mapstructure:"exec"`
	SSH         SSHSettings     `mapstructure:"ssh"`
	Session     SessionSettings `mapstructure:"session"`
	Credentials struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"credentials"`
	Tools struct {
		Catalog string `mapstructure:"catalog"`
	} `mapstructure:"tools"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ExecSettings struct {
	Shell          string        `mapstructure:"shell"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type SSHSettings struct {
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	KnownHosts    string        `mapstructure:"known_hosts"`
	StrictHostKey bool          `mapstructure:"strict_host_key"`
	UseSSHConfig  bool          `mapstructure:"use_ssh_config"`
}

type SessionSettings struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultDataDir os.UserConfigDir()/taskmachine
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(dir, appName)
}

// NewViper 创建带默认值与环境变量绑定的 viper 实例
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("http_addr", ":21008")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("exec.shell", "/bin/sh")
	v.SetDefault("exec.default_timeout", 30*time.Second)
	v.SetDefault("ssh.dial_timeout", 10*time.Second)
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.strict_host_key", false)
	v.SetDefault("ssh.use_ssh_config", true)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("credentials.path", "")
	v.SetDefault("tools.catalog", "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadSettings 读取配置文件（configFile 为空时查找 data_dir/config.yaml，可不存在）
func LoadSettings(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir()
	}
	if s.Credentials.Path == "" {
		s.Credentials.Path = filepath.Join(s.DataDir, ".env")
	}
	if s.Log.File == "" {
		s.Log.File = filepath.Join(s.DataDir, "logs", appName+".log")
	}
	if s.Exec.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("exec.default_timeout 必须大于 0")
	}
	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return nil, err
	}
	return &s, nil
}
