package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Handlers /api/auth/* 接口
type Handlers struct {
	passwords *Passwords
	store     *Store
	logger    *zap.SugaredLogger
}

func NewHandlers(passwords *Passwords, store *Store, logger *zap.SugaredLogger) *Handlers {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handlers{passwords: passwords, store: store, logger: logger}
}

// StatusResp 认证状态
type StatusResp struct {
	NeedSetup bool `json:"need_setup"`
	LoggedIn  bool `json:"logged_in"`
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Status NeedSetup 仅在从未设置过主密码时为 true
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hasPwd, err := h.passwords.Has()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, loggedIn := h.store.Get(r)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusResp{NeedSetup: !hasPwd, LoggedIn: hasPwd && loggedIn})
}

// SetupReq 首次设置主密码
type SetupReq struct {
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

// Setup 仅首次可用；已存在主密码时拒绝
func (h *Handlers) Setup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hasPwd, err := h.passwords.Has()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hasPwd {
		http.Error(w, "already set", http.StatusBadRequest)
		return
	}
	var req SetupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Password = strings.TrimSpace(req.Password)
	if req.Password != strings.TrimSpace(req.Confirm) {
		http.Error(w, "两次密码不一致", http.StatusBadRequest)
		return
	}
	if err := h.passwords.Set(req.Password); err != nil {
		if errors.Is(err, ErrPasswordTooShort) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Infow("master password set")
	writeOK(w)
}

// LoginReq 登录
type LoginReq struct {
	Password string `json:"password"`
}

// Login 验证主密码并创建会话
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LoginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ok, err := h.passwords.Verify(strings.TrimSpace(req.Password))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		h.logger.Warnw("login rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "密码错误", http.StatusUnauthorized)
		return
	}
	// 重复登录时先释放旧会话及其远程连接
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		h.store.remove(c.Value, "relogin")
	}
	sess, err := h.store.Create(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Infow("login", "session", shortID(sess.ID), "remote_addr", r.RemoteAddr)
	writeOK(w)
}

// Logout 登出；会话持有的远程连接随之关闭
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.store.Destroy(w, r)
	writeOK(w)
}

// ResetReq 重设主密码（需已登录）
type ResetReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	Confirm         string `json:"confirm"`
}

// Reset 校验当前密码后写入新密码哈希
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ResetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cur := strings.TrimSpace(req.CurrentPassword)
	newPwd := strings.TrimSpace(req.NewPassword)
	if cur == "" {
		http.Error(w, "请输入当前密码", http.StatusBadRequest)
		return
	}
	ok, err := h.passwords.Verify(cur)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "当前密码错误", http.StatusUnauthorized)
		return
	}
	if newPwd != strings.TrimSpace(req.Confirm) {
		http.Error(w, "两次新密码不一致", http.StatusBadRequest)
		return
	}
	if err := h.passwords.Set(newPwd); err != nil {
		if errors.Is(err, ErrPasswordTooShort) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Infow("master password reset")
	writeOK(w)
}
