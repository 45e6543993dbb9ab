package service

import "errors"

// 调用方错误：立即返回，不修改任何状态
var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrInvalidState   = errors.New("invalid state")
)

// ErrCancelled 用户取消或项目删除，不视为失败
var ErrCancelled = errors.New("cancelled")
