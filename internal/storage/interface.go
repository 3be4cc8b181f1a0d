package storage

import (
	"purepale-studio/internal/model"
)

// Storage 工作区与结果台账的持久化。
// 返回的会话与条目都是拷贝，调用方修改不会影响已存储的数据。
type Storage interface {
	// 会话管理
	CreateSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)

	// 台账管理：新条目插在最前；只有 pending 条目可以被 resolve，且只能一次
	PrependEntry(sessionID string, entry *model.ResultEntry) error
	GetEntries(sessionID string) ([]model.ResultEntry, error)
	ResolveEntry(sessionID, entryID string, resolution model.Resolution) (*model.ResultEntry, error)
	GetPendingEntries(sessionID string) ([]model.ResultEntry, error)

	// 存储管理
	Init() error
	Close() error
	Backup() error
}
