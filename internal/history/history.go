package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// MaxEntries 最多保留的历史条数，超出时丢弃最旧的
	MaxEntries = 50
	// TimeLayout 记录时间格式（本地时间）
	TimeLayout = "2006-01-02 15:04:05"
	fileName   = "history.json"
)

// 常用分类
const (
	CategoryRemote   = "Remote"
	CategoryLinux    = "Linux Tools"
	CategoryDevOps   = "DevOps Tools"
	CategoryCommand  = "Custom Command"
	CategorySettings = "Settings"
)

// Entry 一条操作记录
type Entry struct {
	Timestamp string `json:"timestamp"`
	Category  string `json:"category"`
	Action    string `json:"action"`
}

// Log 以 JSON 文件保存的操作历史，仅追加，最多 MaxEntries 条
type Log struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// Open 使用 dir/history.json
func Open(dir string) *Log {
	return &Log{path: filepath.Join(dir, fileName), now: time.Now}
}

func (l *Log) Path() string { return l.path }

// Append 追加一条记录；第 51 条写入时淘汰最旧的一条
func (l *Log) Append(category, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	entries = append(entries, Entry{
		Timestamp: l.now().Format(TimeLayout),
		Category:  category,
		Action:    action,
	})
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	return l.write(entries)
}

// List 按写入顺序（最旧在前）返回全部记录
func (l *Log) List() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(), nil
}

// Clear 清空历史
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write([]Entry{})
}

// read 文件不存在或内容损坏时视为空
func (l *Log) read() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return []Entry{}
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil || entries == nil {
		return []Entry{}
	}
	return entries
}

// write 先写临时文件再 rename，避免中途退出留下半截文件
func (l *Log) write(entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入历史失败: %w", err)
	}
	return os.Rename(tmp, l.path)
}
