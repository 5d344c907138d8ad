package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskmachine/internal/ssh"
)

const (
	cookieName        = "taskmachine_session"
	defaultSessionTTL = 24 * time.Hour
	sweepInterval     = time.Minute
)

// Session 一次登录对应的会话，持有该会话独占的远程连接槽位
type Session struct {
	ID        string
	ExpiresAt time.Time
	Remote    *ssh.Remote
}

// Store 内存会话表；会话结束（登出、过期、关闭）时释放其远程连接
type Store struct {
	ttl       time.Duration
	newRemote func() *ssh.Remote
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(ttl time.Duration, newRemote func() *ssh.Remote, logger *zap.SugaredLogger) *Store {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if newRemote == nil {
		newRemote = func() *ssh.Remote { return ssh.NewRemote(ssh.Options{}, logger) }
	}
	return &Store{
		ttl:       ttl,
		newRemote: newRemote,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Create 新建会话并写入 cookie
func (s *Store) Create(w http.ResponseWriter) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: id, ExpiresAt: s.now().Add(s.ttl), Remote: s.newRemote()}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

// Get 按请求 cookie 查找未过期的会话
func (s *Store) Get(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	s.mu.RLock()
	sess, ok := s.sessions[c.Value]
	s.mu.RUnlock()
	if !ok || s.now().After(sess.ExpiresAt) {
		return nil, false
	}
	return sess, true
}

// Destroy 删除当前请求的会话并清除 cookie
func (s *Store) Destroy(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		s.remove(c.Value, "logout")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Store) remove(id, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.release(sess, reason)
	}
}

func (s *Store) release(sess *Session, reason string) {
	if _, connected := sess.Remote.Status(); connected {
		s.logger.Infow("closing remote session", "session", shortID(sess.ID), "reason", reason)
	}
	_ = sess.Remote.Close()
}

// Sweep 清理过期会话，返回清理数量
func (s *Store) Sweep() int {
	now := s.now()
	var expired []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		s.release(sess, "expired")
	}
	return len(expired)
}

// Run 定期清理过期会话，ctx 结束时返回
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debugw("expired sessions removed", "count", n)
			}
		}
	}
}

// Close 关闭全部会话（进程退出前调用）
func (s *Store) Close() error {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		all = append(all, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, sess := range all {
		s.release(sess, "shutdown")
	}
	return nil
}

// Len 当前会话数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
