package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"
)

// DiskStorage 每个会话两个 JSON 文件：sessions/<id>.json 存元数据，entries/<id>.json 存台账。
// 所有写入先写临时文件再 rename。
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Session
	cacheSize int
}

type SessionIndex struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	EntryCount int       `json:"entry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Session),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadSessions(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.dataDir)
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "sessions"),
		filepath.Join(d.dataDir, "entries"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) loadSessions() error {
	indexPath := filepath.Join(d.dataDir, "sessions.json")

	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return d.saveSessionIndex([]*SessionIndex{})
	}

	indexes, err := d.readSessionIndex()
	if err != nil {
		return err
	}

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}

		session, err := d.loadSessionFromFile(index.ID)
		if err != nil {
			logger.Errorf("Failed to load session %s: %v", index.ID, err)
			continue
		}

		d.cache[index.ID] = session
	}

	return nil
}

func (d *DiskStorage) readSessionIndex() ([]*SessionIndex, error) {
	data, err := os.ReadFile(filepath.Join(d.dataDir, "sessions.json"))
	if err != nil {
		return nil, err
	}

	var indexes []*SessionIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return indexes, nil
}

func (d *DiskStorage) sessionPath(sessionID string) string {
	return filepath.Join(d.dataDir, "sessions", sessionID+".json")
}

func (d *DiskStorage) entriesPath(sessionID string) string {
	return filepath.Join(d.dataDir, "entries", sessionID+".json")
}

func (d *DiskStorage) loadSessionFromFile(sessionID string) (*model.Session, error) {
	data, err := os.ReadFile(d.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}

	entries, err := d.loadEntriesFromFile(sessionID)
	if err != nil {
		logger.Errorf("Failed to load entries for session %s: %v", sessionID, err)
		entries = []model.ResultEntry{}
	}

	session.Entries = entries
	return &session, nil
}

func (d *DiskStorage) loadEntriesFromFile(sessionID string) ([]model.ResultEntry, error) {
	path := d.entriesPath(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []model.ResultEntry{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []model.ResultEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	return entries, nil
}

func writeJSONAtomic(path string, v any) error {
	tempPath := path + ".tmp"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStorage) saveSessionIndex(indexes []*SessionIndex) error {
	return writeJSONAtomic(filepath.Join(d.dataDir, "sessions.json"), indexes)
}

func (d *DiskStorage) saveSessionToFile(session *model.Session) error {
	sessionData := *session
	sessionData.Entries = nil
	return writeJSONAtomic(d.sessionPath(session.ID), sessionData)
}

func (d *DiskStorage) saveEntriesToFile(sessionID string, entries []model.ResultEntry) error {
	if entries == nil {
		entries = []model.ResultEntry{}
	}
	return writeJSONAtomic(d.entriesPath(sessionID), entries)
}

// loadLocked 取缓存中的会话，没有则从磁盘加载。调用方持有写锁。
func (d *DiskStorage) loadLocked(sessionID string) (*model.Session, error) {
	if session, exists := d.cache[sessionID]; exists {
		return session, nil
	}

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[sessionID] = session
	d.evictCache()
	return session, nil
}

func (d *DiskStorage) CreateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.sessionPath(session.ID)); err == nil {
		return ErrSessionExists
	}

	stored := session.Clone()

	if err := d.saveSessionToFile(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.saveEntriesToFile(stored.ID, stored.Entries); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateSessionIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[stored.ID] = stored
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetSession(sessionID string) (*model.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

func (d *DiskStorage) UpdateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.loadLocked(session.ID)
	if err != nil {
		return err
	}

	stored.Title = session.Title
	stored.UpdatedAt = session.UpdatedAt

	if err := d.saveSessionToFile(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateSessionIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return nil
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessionPath := d.sessionPath(sessionID)
	entriesPath := d.entriesPath(sessionID)

	if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := os.Remove(sessionPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if _, err := os.Stat(entriesPath); err == nil {
		if err := os.Remove(entriesPath); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	delete(d.cache, sessionID)

	return d.updateSessionIndex()
}

func (d *DiskStorage) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indexes, err := d.readSessionIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sessions := make([]*model.Session, 0, len(indexes))
	for _, index := range indexes {
		sessions = append(sessions, &model.Session{
			ID:        index.ID,
			Title:     index.Title,
			CreatedAt: index.CreatedAt,
			UpdatedAt: index.UpdatedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

func (d *DiskStorage) PrependEntry(sessionID string, entry *model.ResultEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.loadLocked(sessionID)
	if err != nil {
		return err
	}

	prependEntry(session, entry)

	return d.persistLocked(session)
}

func (d *DiskStorage) GetEntries(sessionID string) ([]model.ResultEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}

	return cloneEntries(session.Entries), nil
}

func (d *DiskStorage) ResolveEntry(sessionID, entryID string, resolution model.Resolution) (*model.ResultEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}

	entry, err := resolveEntry(session, entryID, resolution)
	if err != nil {
		return nil, err
	}

	if err := d.persistLocked(session); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DiskStorage) GetPendingEntries(sessionID string) ([]model.ResultEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}

	return pendingEntries(session.Entries), nil
}

func (d *DiskStorage) persistLocked(session *model.Session) error {
	if err := d.saveEntriesToFile(session.ID, session.Entries); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateSessionIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) updateSessionIndex() error {
	files, err := os.ReadDir(filepath.Join(d.dataDir, "sessions"))
	if err != nil {
		return err
	}

	indexes := []*SessionIndex{}
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		sessionID := file.Name()[:len(file.Name())-5]
		session, ok := d.cache[sessionID]
		if !ok {
			session, err = d.loadSessionFromFile(sessionID)
			if err != nil {
				logger.Errorf("Failed to load session %s for index update: %v", sessionID, err)
				continue
			}
		}

		indexes = append(indexes, &SessionIndex{
			ID:         session.ID,
			Title:      session.Title,
			EntryCount: len(session.Entries),
			CreatedAt:  session.CreatedAt,
			UpdatedAt:  session.UpdatedAt,
		})
	}

	return d.saveSessionIndex(indexes)
}

// evictCache 超出容量时淘汰最久未更新的会话，仍有 pending 条目的会话不淘汰
func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	var entries []cacheEntry
	for id, session := range d.cache {
		if len(pendingEntries(session.Entries)) > 0 {
			continue
		}
		entries = append(entries, cacheEntry{
			id:        id,
			updatedAt: session.UpdatedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict && i < len(entries); i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Session)
	return nil
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	for _, dir := range []string{"sessions", "entries"} {
		dstDir := filepath.Join(backupDir, dir)
		if err := os.MkdirAll(dstDir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
		if err := copyDir(filepath.Join(d.dataDir, dir), dstDir); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	if err := copyFile(filepath.Join(d.dataDir, "sessions.json"), filepath.Join(backupDir, "sessions.json")); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) == ".tmp" {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0644)
}
