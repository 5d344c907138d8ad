package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"taskmachine/internal/models"
)

var ErrServerNotFound = errors.New("server not found")

// Store 已保存服务器列表：<data_dir>/servers.json
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "servers.json")}
}

// Load 读取配置；文件不存在时返回空列表
func (s *Store) Load() (*models.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*models.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Config{Servers: []models.Server{}}, nil
		}
		return nil, err
	}
	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败 %s: %w", s.path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = []models.Server{}
	}
	// 为没有 ID 的旧数据补全唯一 ID
	max := MaxID(cfg.Servers)
	for i := range cfg.Servers {
		if cfg.Servers[i].ID == "" {
			max++
			cfg.Servers[i].ID = strconv.Itoa(max)
		}
	}
	return &cfg, nil
}

func (s *Store) save(cfg *models.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Update 在锁内读-改-写
func (s *Store) Update(fn func(cfg *models.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return s.save(cfg)
}

// Get 按 ID 查找服务器
func (s *Store) Get(id string) (models.Server, error) {
	cfg, err := s.Load()
	if err != nil {
		return models.Server{}, err
	}
	for _, srv := range cfg.Servers {
		if srv.ID == id {
			return srv, nil
		}
	}
	return models.Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// MaxID 现有数字 ID 的最大值
func MaxID(servers []models.Server) int {
	max := 0
	for _, s := range servers {
		if n, err := strconv.Atoi(strings.TrimSpace(s.ID)); err == nil && n > max {
			max = n
		}
	}
	return max
}
