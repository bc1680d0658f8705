// Package syncinfo persists bookkeeping about queue drains so operators can
// see when the write queue last reached the server.
package syncinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SyncInfo describes the most recent drain.
type SyncInfo struct {
	LastDrain   time.Time `json:"lastDrain"`             // start of the last drain that ran
	LastSuccess time.Time `json:"lastSuccess,omitempty"` // last drain that replayed at least one operation
	Attempted   int       `json:"attempted"`
	Replayed    int       `json:"replayed"`
	Expired     int       `json:"expired"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	TotalDrains int       `json:"totalDrains"`
}

// SyncManager manages access to and updates of synchronization data.
type SyncManager struct {
	fileMutex sync.Mutex       // serializes file access
	syncData  *MutexedSyncInfo // in-memory copy
	filename  string
}

// MutexedSyncInfo wraps SyncInfo with a mutex for safe access from different threads.
type MutexedSyncInfo struct {
	sync.RWMutex
	SyncInfo SyncInfo
}

// NewSyncManager loads fileName if it exists. A missing file starts empty.
func NewSyncManager(fileName string) (*SyncManager, error) {
	sm := &SyncManager{
		syncData: &MutexedSyncInfo{},
		filename: fileName,
	}
	info, err := sm.LoadSyncInfoFromFile()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sm.UpdateSyncInfo(info)
	return sm, nil
}

// UpdateSyncInfo updates synchronization data.
func (sm *SyncManager) UpdateSyncInfo(info SyncInfo) {
	sm.syncData.Lock()
	defer sm.syncData.Unlock()
	sm.syncData.SyncInfo = info
}

// GetSyncInfo returns the current synchronization data.
func (sm *SyncManager) GetSyncInfo() SyncInfo {
	sm.syncData.RLock()
	defer sm.syncData.RUnlock()
	return sm.syncData.SyncInfo
}

// SaveSyncInfoToFile writes the data through a temp file and rename.
func (sm *SyncManager) SaveSyncInfoToFile() error {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	b, err := json.MarshalIndent(sm.GetSyncInfo(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sm.filename), 0o700); err != nil {
		return err
	}
	tmp := sm.filename + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, sm.filename)
}

// LoadSyncInfoFromFile reads the persisted data without touching the
// in-memory copy.
func (sm *SyncManager) LoadSyncInfoFromFile() (SyncInfo, error) {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	var info SyncInfo
	b, err := os.ReadFile(sm.filename)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return SyncInfo{}, fmt.Errorf("parse %s: %w", sm.filename, err)
	}
	return info, nil
}

// RecordDrain folds one drain outcome into the data and saves it.
func (sm *SyncManager) RecordDrain(at time.Time, attempted, replayed, expired, failed, pending int) error {
	sm.syncData.Lock()
	info := sm.syncData.SyncInfo
	info.LastDrain = at.UTC()
	if replayed > 0 {
		info.LastSuccess = at.UTC()
	}
	info.Attempted = attempted
	info.Replayed = replayed
	info.Expired = expired
	info.Failed = failed
	info.Pending = pending
	info.TotalDrains++
	sm.syncData.SyncInfo = info
	sm.syncData.Unlock()

	return sm.SaveSyncInfoToFile()
}
