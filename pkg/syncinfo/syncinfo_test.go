package syncinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSyncManager(t *testing.T) {
	// Файл во временном каталоге, которого ещё не существует
	fileName := filepath.Join(t.TempDir(), "state", "syncinfo.json")

	sm, err := NewSyncManager(fileName)
	if err != nil {
		t.Fatalf("Failed to create sync manager: %v", err)
	}
	if !sm.GetSyncInfo().LastDrain.IsZero() {
		t.Errorf("Expected empty sync info, got %+v", sm.GetSyncInfo())
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := sm.RecordDrain(at, 3, 2, 1, 0, 0); err != nil {
		t.Fatalf("Failed to record drain: %v", err)
	}

	// Загружаем данные из файла новым менеджером
	reloaded, err := NewSyncManager(fileName)
	if err != nil {
		t.Fatalf("Failed to reload sync manager: %v", err)
	}
	info := reloaded.GetSyncInfo()
	if !info.LastDrain.Equal(at) || !info.LastSuccess.Equal(at) {
		t.Errorf("Loaded times do not match. Expected: %v, Got: %+v", at, info)
	}
	if info.Replayed != 2 || info.Expired != 1 || info.TotalDrains != 1 {
		t.Errorf("Loaded counts do not match: %+v", info)
	}

	// Пустой проход не сдвигает время последней успешной синхронизации
	later := at.Add(time.Hour)
	if err := reloaded.RecordDrain(later, 1, 0, 0, 1, 1); err != nil {
		t.Fatalf("Failed to record drain: %v", err)
	}
	info = reloaded.GetSyncInfo()
	if !info.LastSuccess.Equal(at) {
		t.Errorf("LastSuccess moved: %v", info.LastSuccess)
	}
	if info.TotalDrains != 2 || info.Pending != 1 {
		t.Errorf("Unexpected counts: %+v", info)
	}
}

func TestSyncManagerCorruptFile(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "syncinfo.json")
	if err := os.WriteFile(fileName, []byte("2024-03-01T12:00:00Z"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSyncManager(fileName); err == nil {
		t.Errorf("Expected error for corrupt file")
	}
}
