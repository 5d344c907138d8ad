package runner

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind 执行失败的分类（封闭集合）
type Kind int

const (
	KindNone Kind = iota
	KindConnectionFailed
	KindAuthFailed
	KindTimeout
	KindNonZeroExit
	KindSpawnFailed
	KindNotConnected
	KindCanceled
)

var kindNames = map[Kind]string{
	KindNone:             "none",
	KindConnectionFailed: "connection_failed",
	KindAuthFailed:       "auth_failed",
	KindTimeout:          "timeout",
	KindNonZeroExit:      "non_zero_exit",
	KindSpawnFailed:      "spawn_failed",
	KindNotConnected:     "not_connected",
	KindCanceled:         "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalJSON 以 snake_case 字符串输出
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", s)
}

// Error 带分类的执行错误，Detail 保留底层原始诊断文本
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is 仅按 Kind 比较，便于 errors.Is(err, runner.ErrNotConnected)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var ErrNotConnected = &Error{Kind: KindNotConnected, Detail: "未连接远程服务器"}

// NewError 构造分类错误；detail 为空时取 err.Error()
func NewError(kind Kind, detail string, err error) *Error {
	if detail == "" && err != nil {
		detail = err.Error()
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf 返回 err 链上第一个 *Error 的分类
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
