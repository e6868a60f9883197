// internal/services/timer_service.go
package services

import (
	"log"
	"sync"
	"time"
)

// TimerService 管理对局内的单发定时器。
// 每个对局同一时刻至多一个阶段定时器；代数计数器保证
// 已被取消或被新定时器替换的旧定时器回调不会再触发。
// 私聊配对定时器按(gameID, pairKey)独立管理。
type TimerService struct {
	mu         sync.Mutex
	generation map[string]uint64      // gameID -> 当前阶段定时器代数
	phase      map[string]*time.Timer // gameID -> 阶段定时器
	pair       map[string]*time.Timer // gameID/pairKey -> 配对定时器
}

// NewTimerService 创建定时器服务
func NewTimerService() *TimerService {
	return &TimerService{
		generation: make(map[string]uint64),
		phase:      make(map[string]*time.Timer),
		pair:       make(map[string]*time.Timer),
	}
}

// SchedulePhase 为对局调度阶段定时器，替换该对局已有的阶段定时器。
// 返回本次调度的代数；到期回调只在代数仍是最新时执行。
func (s *TimerService) SchedulePhase(gameID string, d time.Duration, fn func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.phase[gameID]; ok {
		old.Stop()
	}

	s.generation[gameID]++
	gen := s.generation[gameID]

	s.phase[gameID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		current := s.generation[gameID]
		if current != gen {
			s.mu.Unlock()
			log.Printf("⏱️ 忽略过期的阶段定时器: game=%s gen=%d current=%d", gameID, gen, current)
			return
		}
		delete(s.phase, gameID)
		s.mu.Unlock()

		fn()
	})
	return gen
}

// CancelPhase 取消对局当前的阶段定时器。
// 代数递增使已在途的到期回调作废。
func (s *TimerService) CancelPhase(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.phase[gameID]; ok {
		t.Stop()
		delete(s.phase, gameID)
	}
	s.generation[gameID]++
}

// SchedulePair 为一对玩家调度私聊超时定时器
func (s *TimerService) SchedulePair(gameID, pairKey string, d time.Duration, fn func()) {
	key := gameID + "/" + pairKey

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pair[key]; ok {
		old.Stop()
	}
	s.pair[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.pair, key)
		s.mu.Unlock()

		fn()
	})
}

// CancelPair 取消一对玩家的私聊超时定时器
func (s *TimerService) CancelPair(gameID, pairKey string) {
	key := gameID + "/" + pairKey

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pair[key]; ok {
		t.Stop()
		delete(s.pair, key)
	}
}

// CancelAll 对局结束时取消该对局的全部定时器
func (s *TimerService) CancelAll(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.phase[gameID]; ok {
		t.Stop()
		delete(s.phase, gameID)
	}
	s.generation[gameID]++

	prefix := gameID + "/"
	for key, t := range s.pair {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			t.Stop()
			delete(s.pair, key)
		}
	}
}
