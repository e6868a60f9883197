// internal/services/script_service.go
package services

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/JubenshaMCP/internal/errors"
	"github.com/Corphon/JubenshaMCP/internal/models"
	"github.com/Corphon/JubenshaMCP/internal/storage"
)

// ScriptService 负责剧本及其附属数据（角色、场景、线索）的持久化。
// 目录结构：data/scripts/<scriptID>/{script,characters,scenes,clues}.json
type ScriptService struct {
	BasePath  string
	FileCache *storage.FileStorage

	scriptLocks sync.Map // scriptID -> *sync.RWMutex
}

// NewScriptService 创建剧本服务
func NewScriptService(basePath string) *ScriptService {
	if basePath == "" {
		basePath = "data/scripts"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		fmt.Printf("警告: 创建剧本目录失败: %v\n", err)
	}

	fileStorage, err := storage.NewFileStorage(basePath)
	if err != nil {
		fmt.Printf("警告: 创建文件存储失败: %v\n", err)
		fileStorage = nil
	}

	return &ScriptService{
		BasePath:  basePath,
		FileCache: fileStorage,
	}
}

func (s *ScriptService) getScriptLock(scriptID string) *sync.RWMutex {
	lock, _ := s.scriptLocks.LoadOrStore(scriptID, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// SaveScript 保存剧本主体。ID为空时自动生成
func (s *ScriptService) SaveScript(script *models.Script) error {
	if script.ID == "" {
		script.ID = uuid.New().String()
	}
	if script.CreatedAt.IsZero() {
		script.CreatedAt = time.Now()
	}

	lock := s.getScriptLock(script.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.FileCache.SaveJSONFile(script.ID, "script.json", script); err != nil {
		return fmt.Errorf("保存剧本失败: %w", err)
	}
	log.Printf("✅ 剧本已保存: %s (%s)", script.Name, script.ID)
	return nil
}

// GetScript 加载剧本主体
func (s *ScriptService) GetScript(scriptID string) (*models.Script, error) {
	lock := s.getScriptLock(scriptID)
	lock.RLock()
	defer lock.RUnlock()

	var script models.Script
	if err := s.FileCache.LoadJSONFile(scriptID, "script.json", &script); err != nil {
		return nil, apperrors.NewNotFoundError("剧本不存在: "+scriptID, err)
	}
	return &script, nil
}

// ListScripts 列出所有剧本，按创建时间倒序
func (s *ScriptService) ListScripts() ([]models.Script, error) {
	dirs, err := s.FileCache.ListDirs("")
	if err != nil {
		return nil, fmt.Errorf("列举剧本目录失败: %w", err)
	}

	scripts := make([]models.Script, 0, len(dirs))
	for _, dir := range dirs {
		var script models.Script
		if err := s.FileCache.LoadJSONFile(dir, "script.json", &script); err != nil {
			log.Printf("⚠️ 跳过无法加载的剧本目录: %s (%v)", dir, err)
			continue
		}
		scripts = append(scripts, script)
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].CreatedAt.After(scripts[j].CreatedAt)
	})
	return scripts, nil
}

// SaveCharacters 保存剧本的角色列表，按声明顺序补齐OrderIndex
func (s *ScriptService) SaveCharacters(scriptID string, characters []models.Character) error {
	lock := s.getScriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	for i := range characters {
		if characters[i].ID == "" {
			characters[i].ID = uuid.New().String()
		}
		characters[i].ScriptID = scriptID
		characters[i].OrderIndex = i
		if characters[i].CreatedAt.IsZero() {
			characters[i].CreatedAt = now
		}
	}

	if err := s.FileCache.SaveJSONFile(scriptID, "characters.json", characters); err != nil {
		return fmt.Errorf("保存角色列表失败: %w", err)
	}
	return nil
}

// GetCharacters 加载剧本的角色列表，按声明顺序排序
func (s *ScriptService) GetCharacters(scriptID string) ([]models.Character, error) {
	lock := s.getScriptLock(scriptID)
	lock.RLock()
	defer lock.RUnlock()

	var characters []models.Character
	if err := s.FileCache.LoadJSONFile(scriptID, "characters.json", &characters); err != nil {
		return nil, fmt.Errorf("加载角色列表失败: %w", err)
	}
	sort.Slice(characters, func(i, j int) bool {
		return characters[i].OrderIndex < characters[j].OrderIndex
	})
	return characters, nil
}

// GetCharacter 按ID加载单个角色
func (s *ScriptService) GetCharacter(scriptID, characterID string) (*models.Character, error) {
	characters, err := s.GetCharacters(scriptID)
	if err != nil {
		return nil, err
	}
	for i := range characters {
		if characters[i].ID == characterID {
			return &characters[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError("角色不存在: "+characterID, nil)
}

// SaveScenes 保存剧本的场景列表
func (s *ScriptService) SaveScenes(scriptID string, scenes []models.Scene) error {
	lock := s.getScriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	for i := range scenes {
		if scenes[i].ID == "" {
			scenes[i].ID = uuid.New().String()
		}
		scenes[i].ScriptID = scriptID
		if scenes[i].CreatedAt.IsZero() {
			scenes[i].CreatedAt = now
		}
	}

	if err := s.FileCache.SaveJSONFile(scriptID, "scenes.json", scenes); err != nil {
		return fmt.Errorf("保存场景列表失败: %w", err)
	}
	return nil
}

// GetScenes 加载剧本的场景列表
func (s *ScriptService) GetScenes(scriptID string) ([]models.Scene, error) {
	lock := s.getScriptLock(scriptID)
	lock.RLock()
	defer lock.RUnlock()

	var scenes []models.Scene
	if err := s.FileCache.LoadJSONFile(scriptID, "scenes.json", &scenes); err != nil {
		return nil, fmt.Errorf("加载场景列表失败: %w", err)
	}
	return scenes, nil
}

// SaveClues 保存剧本的线索列表
func (s *ScriptService) SaveClues(scriptID string, clues []models.Clue) error {
	lock := s.getScriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	for i := range clues {
		if clues[i].ID == "" {
			clues[i].ID = uuid.New().String()
		}
		clues[i].ScriptID = scriptID
		if clues[i].CreatedAt.IsZero() {
			clues[i].CreatedAt = now
		}
	}

	if err := s.FileCache.SaveJSONFile(scriptID, "clues.json", clues); err != nil {
		return fmt.Errorf("保存线索列表失败: %w", err)
	}
	return nil
}

// GetClues 加载剧本的线索列表
func (s *ScriptService) GetClues(scriptID string) ([]models.Clue, error) {
	lock := s.getScriptLock(scriptID)
	lock.RLock()
	defer lock.RUnlock()

	var clues []models.Clue
	if err := s.FileCache.LoadJSONFile(scriptID, "clues.json", &clues); err != nil {
		return nil, fmt.Errorf("加载线索列表失败: %w", err)
	}
	return clues, nil
}

// GetPublicClues 加载剧本中对所有玩家公开的线索
func (s *ScriptService) GetPublicClues(scriptID string) ([]models.Clue, error) {
	clues, err := s.GetClues(scriptID)
	if err != nil {
		return nil, err
	}
	public := make([]models.Clue, 0, len(clues))
	for _, clue := range clues {
		if clue.Visibility == models.CluePublic {
			public = append(public, clue)
		}
	}
	return public, nil
}

// DeleteScript 删除剧本及其全部附属数据
func (s *ScriptService) DeleteScript(scriptID string) error {
	lock := s.getScriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.FileCache.DeleteDir(scriptID); err != nil {
		return fmt.Errorf("删除剧本目录失败: %w", err)
	}
	s.scriptLocks.Delete(scriptID)
	log.Printf("🗑️ 剧本已删除: %s", scriptID)
	return nil
}
