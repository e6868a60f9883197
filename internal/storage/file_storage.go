// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStorage 基于目录的JSON文件存储。
// 剧本和对局各占一个子目录，子目录内按固定文件名存放实体数据。
// 写入走临时文件加原子改名，读取带过期缓存。
type FileStorage struct {
	BaseDir string

	fileLocks sync.Map // 文件绝对路径 -> *sync.RWMutex

	cacheMu     sync.RWMutex
	cache       map[string]cachedFile
	cacheExpiry time.Duration
	cacheLimit  int
}

type cachedFile struct {
	data     []byte
	cachedAt time.Time
}

// NewFileStorage 创建文件存储并启动缓存回收
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileStorage{
		BaseDir:     baseDir,
		cache:       make(map[string]cachedFile),
		cacheExpiry: 5 * time.Minute,
		cacheLimit:  100,
	}
	fs.StartCacheCleanup()
	return fs, nil
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveTextFile 原子写入一个文件，必要时先建目录
func (fs *FileStorage) SaveTextFile(dirPath, filename string, content []byte) error {
	fullDir := filepath.Join(fs.BaseDir, dirPath)
	fullPath := filepath.Join(fullDir, filename)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fullDir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("落盘失败: %w", err)
	}

	fs.dropCached(fullPath)
	return nil
}

// SaveJSONFile 序列化并保存JSON文件
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return fs.SaveTextFile(dirPath, filename, content)
}

// LoadTextFile 读取文件内容，优先命中缓存
func (fs *FileStorage) LoadTextFile(dirPath, filename string) ([]byte, error) {
	fullPath := filepath.Join(fs.BaseDir, dirPath, filename)

	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.putCached(fullPath, content)
	return content, nil
}

// LoadJSONFile 读取并解析JSON文件
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := fs.LoadTextFile(dirPath, filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// DeleteDir 删除一个实体目录及其全部文件
func (fs *FileStorage) DeleteDir(dirPath string) error {
	fullPath := filepath.Join(fs.BaseDir, dirPath)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("目录不存在: %s", fullPath)
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("删除目录失败: %w", err)
	}

	fs.dropCachedPrefix(fullPath)
	return nil
}

// ListDirs 列出目录下的子目录名
func (fs *FileStorage) ListDirs(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, dirPath))
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// StartCacheCleanup 后台定期清理过期缓存
func (fs *FileStorage) StartCacheCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			fs.cacheMu.Lock()
			now := time.Now()
			for path, entry := range fs.cache {
				if now.Sub(entry.cachedAt) > fs.cacheExpiry {
					delete(fs.cache, path)
				}
			}
			fs.cacheMu.Unlock()
		}
	}()
}

func (fs *FileStorage) cached(path string) ([]byte, bool) {
	fs.cacheMu.RLock()
	defer fs.cacheMu.RUnlock()

	entry, ok := fs.cache[path]
	if !ok || time.Since(entry.cachedAt) > fs.cacheExpiry {
		return nil, false
	}
	return entry.data, true
}

func (fs *FileStorage) putCached(path string, data []byte) {
	fs.cacheMu.Lock()
	defer fs.cacheMu.Unlock()

	// 超限时淘汰最旧的一条
	if len(fs.cache) >= fs.cacheLimit {
		var oldestPath string
		var oldestAt time.Time
		for p, entry := range fs.cache {
			if oldestPath == "" || entry.cachedAt.Before(oldestAt) {
				oldestPath = p
				oldestAt = entry.cachedAt
			}
		}
		delete(fs.cache, oldestPath)
	}

	fs.cache[path] = cachedFile{data: data, cachedAt: time.Now()}
}

func (fs *FileStorage) dropCached(path string) {
	fs.cacheMu.Lock()
	delete(fs.cache, path)
	fs.cacheMu.Unlock()
}

func (fs *FileStorage) dropCachedPrefix(prefix string) {
	fs.cacheMu.Lock()
	for path := range fs.cache {
		if strings.HasPrefix(path, prefix) {
			delete(fs.cache, path)
		}
	}
	fs.cacheMu.Unlock()
}
