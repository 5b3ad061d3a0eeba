// Package persistence stores accountability records and coordinator state.
// 증거, 슬래싱 이벤트, 확정 블록과 스냅샷을 영구 저장하고 복구하는 기능을 제공
package persistence

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/ahwlsqja/bftguard/consensus/bft"
	"github.com/ahwlsqja/bftguard/evidence"
	"github.com/ahwlsqja/bftguard/types"
)

// Store persists verified evidence, slash events, finalized blocks and the
// coordinator snapshot. It satisfies bft.Store and evidence.Recorder.
type Store interface {
	// 증거 관련
	SaveEvidence(ev *evidence.Evidence) error
	LoadEvidence(node types.NodeID) ([]*evidence.Evidence, error)
	LoadAllEvidence() ([]*evidence.Evidence, error)

	// 슬래싱 관련
	SaveSlashEvent(ev bft.SlashEvent) error
	LoadSlashEvents() ([]bft.SlashEvent, error)

	// 블록 관련
	SaveBlock(block *types.Block) error
	LoadBlock(height uint64) (*types.Block, error)
	LatestBlockHeight() (uint64, error)

	// 스냅샷 관련
	SaveSnapshot(s bft.Snapshot) error
	LoadSnapshot() (*bft.Snapshot, error)

	// 닫기
	Close() error
}

var (
	_ Store             = (*FileStore)(nil)
	_ Store             = (*MemoryStore)(nil)
	_ bft.Store         = (*FileStore)(nil)
	_ evidence.Recorder = (*FileStore)(nil)
)

var errNilEvidence = errors.New("evidence is nil")

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore keeps one JSON file per record under baseDir. Every write goes
// through a temp file and rename, so readers never see a partial record.
type FileStore struct {
	mu       sync.RWMutex
	baseDir  string
	slashSeq uint64 // 다음 슬래싱 이벤트 번호
}

// NewFileStore creates a new file-based store.
func NewFileStore(baseDir string) (*FileStore, error) {
	// 디렉토리 생성
	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "evidence"),
		filepath.Join(baseDir, "slashes"),
		filepath.Join(baseDir, "blocks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fs := &FileStore{baseDir: baseDir}
	names, err := fs.listSorted(filepath.Join(baseDir, "slashes"), "slash_")
	if err != nil {
		return nil, err
	}
	if n := len(names); n > 0 {
		var last uint64
		if _, err := fmt.Sscanf(names[n-1], "slash_%d.json", &last); err == nil {
			fs.slashSeq = last + 1
		}
	}
	return fs, nil
}

func (fs *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readJSON returns false when the file does not exist.
func (fs *FileStore) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return true, nil
}

func (fs *FileStore) listSorted(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ================================================================================
//                          증거 저장/로드
// ================================================================================

func (fs *FileStore) evidenceDir(node types.NodeID) string {
	// 노드 ID는 임의 문자열이므로 디렉토리 이름으로 hex 인코딩
	return filepath.Join(fs.baseDir, "evidence", hex.EncodeToString([]byte(node)))
}

// SaveEvidence saves verified evidence. Saving the same evidence hash again
// overwrites the earlier record, which picks up late reporters.
func (fs *FileStore) SaveEvidence(ev *evidence.Evidence) error {
	if ev == nil {
		return errNilEvidence
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.evidenceDir(ev.NodeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return fs.writeJSON(filepath.Join(dir, "ev_"+ev.HashString()+".json"), ev)
}

// LoadEvidence loads node's evidence ordered by timestamp.
func (fs *FileStore) LoadEvidence(node types.NodeID) ([]*evidence.Evidence, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.loadEvidenceDir(fs.evidenceDir(node))
}

func (fs *FileStore) loadEvidenceDir(dir string) ([]*evidence.Evidence, error) {
	names, err := fs.listSorted(dir, "ev_")
	if err != nil {
		return nil, err
	}

	out := make([]*evidence.Evidence, 0, len(names))
	for _, name := range names {
		var ev evidence.Evidence
		if _, err := fs.readJSON(filepath.Join(dir, name), &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	sortEvidence(out)
	return out, nil
}

// LoadAllEvidence loads the evidence of every node ordered by timestamp.
func (fs *FileStore) LoadAllEvidence() ([]*evidence.Evidence, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	root := filepath.Join(fs.baseDir, "evidence")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read evidence directory: %w", err)
	}

	var out []*evidence.Evidence
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		evs, err := fs.loadEvidenceDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sortEvidence(out)
	return out, nil
}

func sortEvidence(evs []*evidence.Evidence) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].HashString() < evs[j].HashString()
	})
}

// ================================================================================
//                          슬래싱 이벤트 저장/로드
// ================================================================================

// SaveSlashEvent appends a slash event.
func (fs *FileStore) SaveSlashEvent(ev bft.SlashEvent) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name := fmt.Sprintf("slash_%020d.json", fs.slashSeq)
	if err := fs.writeJSON(filepath.Join(fs.baseDir, "slashes", name), ev); err != nil {
		return err
	}
	fs.slashSeq++
	return nil
}

// LoadSlashEvents loads all slash events in the order they were saved.
func (fs *FileStore) LoadSlashEvents() ([]bft.SlashEvent, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.baseDir, "slashes")
	names, err := fs.listSorted(dir, "slash_")
	if err != nil {
		return nil, err
	}
	out := make([]bft.SlashEvent, 0, len(names))
	for _, name := range names {
		var ev bft.SlashEvent
		if _, err := fs.readJSON(filepath.Join(dir, name), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ================================================================================
//                          블록 저장/로드
// ================================================================================

// SaveBlock saves a finalized block by height.
func (fs *FileStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	filename := filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%d.json", block.Header.Height))
	return fs.writeJSON(filename, block)
}

// LoadBlock loads a block, or returns nil when none is stored at height.
func (fs *FileStore) LoadBlock(height uint64) (*types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var block types.Block
	ok, err := fs.readJSON(filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%d.json", height)), &block)
	if err != nil || !ok {
		return nil, err
	}
	return &block, nil
}

// LatestBlockHeight returns the highest stored block height.
func (fs *FileStore) LatestBlockHeight() (uint64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	names, err := fs.listSorted(filepath.Join(fs.baseDir, "blocks"), "block_")
	if err != nil {
		return 0, err
	}

	var maxHeight uint64
	for _, name := range names {
		var height uint64
		if _, err := fmt.Sscanf(name, "block_%d.json", &height); err == nil && height > maxHeight {
			maxHeight = height
		}
	}
	return maxHeight, nil
}

// ================================================================================
//                          스냅샷 저장/로드
// ================================================================================

// SaveSnapshot saves the coordinator snapshot.
func (fs *FileStore) SaveSnapshot(s bft.Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeJSON(filepath.Join(fs.baseDir, "snapshot.json"), s)
}

// LoadSnapshot loads the coordinator snapshot, or nil when none was saved.
func (fs *FileStore) LoadSnapshot() (*bft.Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var s bft.Snapshot
	ok, err := fs.readJSON(filepath.Join(fs.baseDir, "snapshot.json"), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// Close closes the store.
func (fs *FileStore) Close() error {
	// 파일 기반 저장소는 특별한 종료 로직이 필요 없음
	return nil
}

// ================================================================================
//                          Memory Store (테스트용)
// ================================================================================

// MemoryStore는 메모리 기반 저장소 (테스트용)
type MemoryStore struct {
	mu       sync.RWMutex
	evidence map[string]*evidence.Evidence
	slashes  []bft.SlashEvent
	blocks   map[uint64]*types.Block
	snapshot *bft.Snapshot
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evidence: make(map[string]*evidence.Evidence),
		blocks:   make(map[uint64]*types.Block),
	}
}

// SaveEvidence saves evidence to memory.
func (ms *MemoryStore) SaveEvidence(ev *evidence.Evidence) error {
	if ev == nil {
		return errNilEvidence
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.evidence[ev.HashString()] = ev.Copy()
	return nil
}

// LoadEvidence loads node's evidence ordered by timestamp.
func (ms *MemoryStore) LoadEvidence(node types.NodeID) ([]*evidence.Evidence, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*evidence.Evidence
	for _, ev := range ms.evidence {
		if ev.NodeID == node {
			out = append(out, ev.Copy())
		}
	}
	sortEvidence(out)
	return out, nil
}

// LoadAllEvidence loads all evidence ordered by timestamp.
func (ms *MemoryStore) LoadAllEvidence() ([]*evidence.Evidence, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*evidence.Evidence, 0, len(ms.evidence))
	for _, ev := range ms.evidence {
		out = append(out, ev.Copy())
	}
	sortEvidence(out)
	return out, nil
}

// SaveSlashEvent appends a slash event.
func (ms *MemoryStore) SaveSlashEvent(ev bft.SlashEvent) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.slashes = append(ms.slashes, ev)
	return nil
}

// LoadSlashEvents returns the saved slash events.
func (ms *MemoryStore) LoadSlashEvents() ([]bft.SlashEvent, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]bft.SlashEvent(nil), ms.slashes...), nil
}

// SaveBlock saves a block to memory.
func (ms *MemoryStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.blocks[block.Header.Height] = block
	return nil
}

// LoadBlock loads a block from memory.
func (ms *MemoryStore) LoadBlock(height uint64) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.blocks[height], nil
}

// LatestBlockHeight returns the highest stored block height.
func (ms *MemoryStore) LatestBlockHeight() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var maxHeight uint64
	for h := range ms.blocks {
		if h > maxHeight {
			maxHeight = h
		}
	}
	return maxHeight, nil
}

// SaveSnapshot saves the snapshot.
func (ms *MemoryStore) SaveSnapshot(s bft.Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.snapshot = &s
	return nil
}

// LoadSnapshot loads the snapshot.
func (ms *MemoryStore) LoadSnapshot() (*bft.Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.snapshot == nil {
		return nil, nil
	}
	s := *ms.snapshot
	return &s, nil
}

// Close closes the store.
func (ms *MemoryStore) Close() error {
	return nil
}
