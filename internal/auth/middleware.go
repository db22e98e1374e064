// Package auth はAPIキーによる submitter 認証を提供します。
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// SubmitterContextKey は認証済み submitter 識別子を保持するコンテキストキーです。
const SubmitterContextKey = "submitter"

// Keyring は submitter 識別子から bcrypt ハッシュ済みAPIキーへの対応表です。
type Keyring map[string]string

// ParseKeyring は "submitter:bcryptハッシュ" のカンマ区切り文字列を解析します。
func ParseKeyring(raw string) (Keyring, error) {
	keyring := Keyring{}
	if strings.TrimSpace(raw) == "" {
		return keyring, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		submitter, hash, ok := strings.Cut(pair, ":")
		if !ok || submitter == "" || hash == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry: %q", pair)
		}
		keyring[submitter] = hash
	}
	return keyring, nil
}

// Middleware はAPIキーを検証し、submitter 識別子をコンテキストに設定します。
// Keyring が空の場合（ローカル開発）は検証せず、ヘッダーの識別子をそのまま使います。
func (k Keyring) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		submitter := strings.TrimSpace(c.GetHeader("X-Submitter"))

		if len(k) == 0 {
			if submitter == "" {
				submitter = "anonymous"
			}
			c.Set(SubmitterContextKey, submitter)
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		hash, ok := k[submitter]
		if !ok || apiKey == "" {
			unauthorized(c)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
			unauthorized(c)
			return
		}

		c.Set(SubmitterContextKey, submitter)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": "APIキーが正しくありません。",
	})
}
