package auth

import (
	"strings"

	xerrors "OpenMEE-Chain/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingKey       = xerrors.New(CodeUnauthenticated, "missing api key")
	ErrInvalidKey       = xerrors.New(CodeUnauthenticated, "invalid api key")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "")
)

// API 权限。
const (
	PermissionSubmit = "supertx:submit"
	PermissionRead   = "supertx:read"
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Config 描述认证方式与静态 API Key 列表。
type Config struct {
	Mode Mode        `yaml:"mode"`
	Keys []KeyConfig `yaml:"keys"`
}

// KeyConfig 是一个 API Key。Hash 为 HashKey 的结果，配置中不保存明文。
// Key 仅用于本地开发，两者同时出现时以 Hash 为准。
type KeyConfig struct {
	Name        string   `yaml:"name"`
	Hash        string   `yaml:"hash"`
	Key         string   `yaml:"key"`
	Permissions []string `yaml:"permissions"`
}

// Subject 是通过认证的调用方，经 context 传给处理器。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体拥有全部权限。
func (s *Subject) Authorize(permissions ...string) error {
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "", xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
