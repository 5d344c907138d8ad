package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var ErrInvalidKey = errors.New("invalid credential key")

var keyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Store .env 形式的凭据文件（KEY=value）
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load 读取全部键值；文件不存在时返回空 map
func (s *Store) Load() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (map[string]string, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", s.path, err)
	}
	return env, nil
}

// save 整体覆盖写入。临时文件创建时即为 0600，写完再 rename，凭据不会以宽松权限落盘
func (s *Store) save(env map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	content, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("写入凭据失败: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteString(content + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("写入凭据失败: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Update 局部更新：nil 表示不修改，空字符串表示删除该键。返回实际变更的键
func (s *Store) Update(changes map[string]*string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load()
	if err != nil {
		return nil, err
	}
	var changed []string
	for rawKey, val := range changes {
		key := NormalizeKey(rawKey)
		if !keyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, rawKey)
		}
		if val == nil {
			continue
		}
		v := strings.TrimSpace(*val)
		old, exists := env[key]
		switch {
		case v == "" && exists:
			delete(env, key)
		case v == "" || (exists && old == v):
			continue
		default:
			env[key] = v
		}
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	sort.Strings(changed)
	return changed, s.save(env)
}

// NormalizeKey 去空白并转为大写
func NormalizeKey(k string) string {
	return strings.ToUpper(strings.TrimSpace(k))
}
