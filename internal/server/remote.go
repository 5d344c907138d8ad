package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskmachine/internal/history"
	"taskmachine/internal/ssh"
)

// ConnectReq 使用已保存的服务器（server_id）或直接填写连接参数
type ConnectReq struct {
	ServerID   string `json:"server_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	KeyPath    string `json:"key_path"`
	Passphrase string `json:"passphrase"`
}

// RemoteStatusResp 当前会话的远程连接状态
type RemoteStatusResp struct {
	Connected bool      `json:"connected"`
	Info      *ssh.Info `json:"info,omitempty"`
}

func (a *API) target(req ConnectReq) (ssh.Target, error) {
	if id := strings.TrimSpace(req.ServerID); id != "" {
		s, err := a.Servers.Get(id)
		if err != nil {
			return ssh.Target{}, err
		}
		t := ssh.TargetFromServer(s)
		t.Passphrase = req.Passphrase
		return t, nil
	}
	return ssh.Target{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.User,
		Password:   req.Password,
		KeyPath:    req.KeyPath,
		Passphrase: req.Passphrase,
	}, nil
}

func decodeConnect(w http.ResponseWriter, r *http.Request) (ConnectReq, bool) {
	var req ConnectReq
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// RemoteStatus GET /api/remote
func (a *API) RemoteStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	info, connected := sess.Remote.Status()
	resp := RemoteStatusResp{Connected: connected}
	if connected {
		resp.Info = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// RemoteConnect POST /api/remote/connect：握手成功后当前会话进入 Connected
func (a *API) RemoteConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeConnect(w, r)
	if !ok {
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	t, err := a.target(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Remote.Connect(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	info, _ := sess.Remote.Status()
	a.record(history.CategoryRemote, fmt.Sprintf("Connected to %s@%s:%d", info.Username, info.Host, info.Port))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "info": info})
}

// RemoteTest POST /api/remote/test：只测试握手，不改变会话状态
func (a *API) RemoteTest(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeConnect(w, r)
	if !ok {
		return
	}
	t, err := a.target(req)
	if err != nil {
		writeError(w, err)
		return
	}
	resolved, err := ssh.CheckConnection(r.Context(), t, a.Dial)
	if err != nil {
		a.Logger.Warnw("connection test failed", "host", resolved.Host, "port", resolved.Port, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"host":   resolved.Host,
		"port":   resolved.Port,
		"user":   resolved.Username,
	})
}

// RemoteDisconnect POST /api/remote/disconnect：未连接时同样返回 ok
func (a *API) RemoteDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	info, connected := sess.Remote.Status()
	if err := sess.Remote.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	if connected {
		a.record(history.CategoryRemote, fmt.Sprintf("Disconnected from %s", info.Host))
	}
	writeOK(w)
}
