package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  []storedKey
	audit *slog.Logger
}

type storedKey struct {
	hash    []byte
	subject Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "不支持的认证模式: %s", cfg.Mode)
	}

	if len(cfg.Keys) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "api_key 模式至少需要一个 key")
	}
	for i, k := range cfg.Keys {
		name := strings.TrimSpace(k.Name)
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		var sum []byte
		switch {
		case k.Hash != "":
			decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(k.Hash), "sha256:"))
			if err != nil || len(decoded) != sha256.Size {
				return nil, xerrors.Newf(xerrors.CodeConfiguration, "key %s 的 hash 无效", name)
			}
			sum = decoded
		case k.Key != "":
			digest := sha256.Sum256([]byte(k.Key))
			sum = digest[:]
		default:
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "key %s 缺少 hash", name)
		}
		perms := append([]string(nil), k.Permissions...)
		svc.keys = append(svc.keys, storedKey{hash: sum, subject: Subject{Name: name, Permissions: perms}})
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// HashKey 返回写入配置的 key 摘要。
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// AuthenticateRequest 从 Authorization: Bearer 或 X-API-Key 头中取出 key 并匹配主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization, apiKey string) (*Subject, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		if scheme, value, ok := strings.Cut(strings.TrimSpace(authorization), " "); ok && strings.EqualFold(scheme, "bearer") {
			key = strings.TrimSpace(value)
		}
	}
	if key == "" {
		return nil, ErrMissingKey
	}
	digest := sha256.Sum256([]byte(key))
	var matched *storedKey
	// 遍历全部 key，耗时与命中位置无关。
	for i := range s.keys {
		if subtle.ConstantTimeCompare(s.keys[i].hash, digest[:]) == 1 {
			matched = &s.keys[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	subject := matched.subject
	subject.Permissions = append([]string(nil), matched.subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}
