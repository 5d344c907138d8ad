package auth

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost        = 12
	minPasswordLength = 6
	hashFileName      = ".auth_hash"
)

var ErrPasswordTooShort = errors.New("密码至少 6 位")

// Passwords 主密码：bcrypt 哈希保存在 <data_dir>/.auth_hash，仅后端可见
type Passwords struct {
	path string
	cost int
}

func NewPasswords(dataDir string) *Passwords {
	return &Passwords{path: filepath.Join(dataDir, hashFileName), cost: bcryptCost}
}

// Has 是否已设置主密码
func (p *Passwords) Has() (bool, error) {
	_, err := os.Stat(p.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Set 写入新的主密码哈希
func (p *Passwords) Set(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p.path, hash, 0o600)
}

// Verify 校验主密码；未设置时返回 false
func (p *Passwords) Verify(password string) (bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return bcrypt.CompareHashAndPassword(data, []byte(password)) == nil, nil
}
