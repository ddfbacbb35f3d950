// password.go — 口令哈希: pbkdf2_hex(64) || salt_hex(64)。
package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltBytes        = 32
	hashHexLen       = 64
)

// HashPassword 生成存储用的口令哈希。盐的十六进制文本同时作为 PBKDF2 的盐。
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	saltHex := hex.EncodeToString(salt)
	return derive(password, saltHex) + saltHex, nil
}

// SplitStoredHash 拆分存储值: 盐为末尾 64 个十六进制字符。
// 创建, 会话认证与 Basic 认证都使用这一约定。
func SplitStoredHash(stored string) (hashHex, saltHex string, ok bool) {
	if len(stored) != 2*hashHexLen {
		return "", "", false
	}
	return stored[:hashHexLen], stored[hashHexLen:], true
}

// VerifyPassword 常量时间比较口令与存储值。
func VerifyPassword(stored, password string) bool {
	hashHex, saltHex, ok := SplitStoredHash(stored)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derive(password, saltHex)), []byte(hashHex)) == 1
}

// CredentialKey 凭据缓存键, 不保留明文口令。
func CredentialKey(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

func derive(password, saltHex string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), []byte(saltHex), pbkdf2Iterations, 32, sha256.New))
}
