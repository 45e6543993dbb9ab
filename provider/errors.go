package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout provider 调用超过时限
	ErrTimeout = errors.New("provider timeout")
	// ErrRejected provider 拒绝请求（额度、密钥无效、参数错误等）
	ErrRejected = errors.New("provider rejected")
	// ErrNoProviderConfigured 没有任何可用的 provider + 密钥组合
	ErrNoProviderConfigured = errors.New("no provider configured")
)

// Error 携带 provider 原始信息，便于界面展示
type Error struct {
	Provider   string
	Credential bool // 密钥缺失/无效一类的拒绝，可以换下一个 provider
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Err, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Rejected(provider, message string) error {
	return &Error{Provider: provider, Message: message, Err: ErrRejected}
}

func CredentialRejected(provider, message string) error {
	return &Error{Provider: provider, Message: message, Err: ErrRejected, Credential: true}
}

func Timeout(provider, message string) error {
	return &Error{Provider: provider, Message: message, Err: ErrTimeout}
}

// IsCredential reports whether err is a credential-class rejection.
func IsCredential(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Credential
}

// Message 返回适合展示的原始信息
func Message(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Classify 把 provider 返回的原始错误归类；已分类或取消类错误原样返回
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(provider, err.Error())
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "invalid_api_key") || strings.Contains(lower, "invalid api key"):
		return CredentialRejected(provider, msg)
	case strings.Contains(msg, "429") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient_balance"):
		return Rejected(provider, msg)
	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
		return Timeout(provider, msg)
	}
	return err
}
