package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskmachine/internal/history"
	"taskmachine/internal/runner"
)

// ErrorBody 执行失败时的分类与详情
type ErrorBody struct {
	Kind    runner.Kind `json:"kind"`
	Message string      `json:"message"`
}

// RunResp 一次执行的结果
type RunResp struct {
	Target     runner.Target `json:"target"`
	Command    string        `json:"command"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	DurationMS int64         `json:"duration_ms"`
	Error      *ErrorBody    `json:"error"`
}

func runResp(res runner.Result) RunResp {
	out := RunResp{
		Target:     res.Target,
		Command:    res.Command,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = &ErrorBody{Kind: res.Err.Kind, Message: res.Err.Error()}
	}
	return out
}

// ListTools GET /api/tools
func (a *API) ListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": a.Catalog.Categories()})
}

// RunToolReq target 为空时自动选择
type RunToolReq struct {
	ID     string            `json:"id"`
	Params map[string]string `json:"params"`
	Target string            `json:"target"`
}

// RunTool POST /api/tools/run：命令执行失败也返回 200，失败信息在 error 字段中
func (a *API) RunTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunToolReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	tool, err := a.Catalog.Lookup(strings.TrimSpace(req.ID))
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := runner.ParseTarget(req.Target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := tool.Build(req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	res := a.Dispatcher.Dispatch(r.Context(), sess.Remote, target, cmd, tool.Timeout)
	a.record(tool.Category, fmt.Sprintf("%s (%s)", tool.Title, res.Target))
	writeJSON(w, http.StatusOK, runResp(res))
}

// ExecReq 自定义命令；timeout_seconds <= 0 时使用默认超时
type ExecReq struct {
	Command        string `json:"command"`
	Target         string `json:"target"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Exec POST /api/exec
func (a *API) Exec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ExecReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		http.Error(w, "请输入要执行的命令", http.StatusBadRequest)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	target, err := runner.ParseTarget(req.Target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	res := a.Dispatcher.Dispatch(r.Context(), sess.Remote, target, command, timeout)
	a.record(history.CategoryCommand, fmt.Sprintf("%s (%s)", command, res.Target))
	writeJSON(w, http.StatusOK, runResp(res))
}
