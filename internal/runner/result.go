package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExitUnknown 表示命令未能执行（无退出码）
const ExitUnknown = -1

// Target 执行目标
type Target int

const (
	TargetAuto Target = iota
	TargetLocal
	TargetRemote
)

func (t Target) String() string {
	switch t {
	case TargetLocal:
		return "local"
	case TargetRemote:
		return "remote"
	default:
		return "auto"
	}
}

// ParseTarget 解析 "local" / "remote" / ""(auto)
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return TargetAuto, nil
	case "local":
		return TargetLocal, nil
	case "remote":
		return TargetRemote, nil
	}
	return TargetAuto, fmt.Errorf("unknown target %q", s)
}

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseTarget(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Result 一次命令执行的结果，不持久化
type Result struct {
	Target   Target
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      *Error
}

// OK 命令是否成功执行且退出码为 0
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Output 成功时返回 stdout，否则返回错误信息
func (r Result) Output() string {
	if r.OK() {
		return strings.TrimSpace(r.Stdout)
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return strings.TrimSpace(r.Stderr)
}

// Failed 构造未能执行的结果（ExitCode 为 ExitUnknown）
func Failed(target Target, command string, err *Error) Result {
	return Result{Target: target, Command: command, ExitCode: ExitUnknown, Err: err}
}
