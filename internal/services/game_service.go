// internal/services/game_service.go
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

// GameService 负责对局记录的持久化。
// 目录结构：data/games/<gameID>/game.json
type GameService struct {
	BasePath  string
	FileCache *storage.FileStorage

	gameLocks sync.Map // gameID -> *sync.RWMutex
}

// NewGameService 创建对局服务
func NewGameService(basePath string) *GameService {
	if basePath == "" {
		basePath = "data/games"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		fmt.Printf("警告: 创建对局目录失败: %v\n", err)
	}

	fileStorage, err := storage.NewFileStorage(basePath)
	if err != nil {
		fmt.Printf("警告: 创建文件存储失败: %v\n", err)
		fileStorage = nil
	}

	return &GameService{
		BasePath:  basePath,
		FileCache: fileStorage,
	}
}

func (s *GameService) getGameLock(gameID string) *sync.RWMutex {
	lock, _ := s.gameLocks.LoadOrStore(gameID, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// CreateGame 为指定剧本创建一个新对局
func (s *GameService) CreateGame(scriptID string) (*models.Game, error) {
	game := &models.Game{
		ID:        uuid.New().String(),
		ScriptID:  scriptID,
		Status:    models.GameCreated,
		CreatedAt: time.Now(),
	}
	if err := s.SaveGame(game); err != nil {
		return nil, err
	}
	log.Printf("✅ 对局已创建: %s (剧本 %s)", game.ID, scriptID)
	return game, nil
}

// SaveGame 保存对局记录
func (s *GameService) SaveGame(game *models.Game) error {
	lock := s.getGameLock(game.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.FileCache.SaveJSONFile(game.ID, "game.json", game); err != nil {
		return fmt.Errorf("保存对局失败: %w", err)
	}
	return nil
}

// GetGame 加载对局记录
func (s *GameService) GetGame(gameID string) (*models.Game, error) {
	lock := s.getGameLock(gameID)
	lock.RLock()
	defer lock.RUnlock()

	var game models.Game
	if err := s.FileCache.LoadJSONFile(gameID, "game.json", &game); err != nil {
		return nil, apperrors.NewNotFoundError("对局不存在: "+gameID, err)
	}
	return &game, nil
}

// ListGames 列出所有对局，按创建时间倒序
func (s *GameService) ListGames() ([]models.Game, error) {
	dirs, err := s.FileCache.ListDirs("")
	if err != nil {
		return nil, fmt.Errorf("列举对局目录失败: %w", err)
	}

	games := make([]models.Game, 0, len(dirs))
	for _, dir := range dirs {
		var game models.Game
		if err := s.FileCache.LoadJSONFile(dir, "game.json", &game); err != nil {
			log.Printf("⚠️ 跳过无法加载的对局目录: %s (%v)", dir, err)
			continue
		}
		games = append(games, game)
	}

	sort.Slice(games, func(i, j int) bool {
		return games[i].CreatedAt.After(games[j].CreatedAt)
	})
	return games, nil
}

// UpdateAssignments 写入角色分配结果并标记对局进行中
func (s *GameService) UpdateAssignments(gameID string, assignments []models.RoleAssignment, dmID, judgeID string) error {
	game, err := s.GetGame(gameID)
	if err != nil {
		return err
	}
	game.Assignments = assignments
	game.DMID = dmID
	game.JudgeID = judgeID
	game.Status = models.GameRunning
	return s.SaveGame(game)
}

// FinishGame 标记对局结束
func (s *GameService) FinishGame(gameID string) error {
	game, err := s.GetGame(gameID)
	if err != nil {
		return err
	}
	now := time.Now()
	game.Status = models.GameFinished
	game.FinishedAt = &now
	if err := s.SaveGame(game); err != nil {
		return err
	}
	log.Printf("🏁 对局已结束: %s", gameID)
	return nil
}

// DeleteGame 删除对局记录
func (s *GameService) DeleteGame(gameID string) error {
	lock := s.getGameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.FileCache.DeleteDir(gameID); err != nil {
		return fmt.Errorf("删除对局目录失败: %w", err)
	}
	s.gameLocks.Delete(gameID)
	return nil
}
