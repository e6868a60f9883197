// internal/workflow/engine.go
package workflow

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Corphon/JubenshaMCP/internal/services"
)

// 工作流步骤名，固定的拓扑顺序：
// script_generation → role_allocation → {scene_loading, character_loading} → first_investigation
const (
	StepScriptGeneration   = "script_generation"
	StepRoleAllocation     = "role_allocation"
	StepSceneLoading       = "scene_loading"
	StepCharacterLoading   = "character_loading"
	StepFirstInvestigation = "first_investigation"
)

// Deps 工作流步骤需要的全部协作方，由构造时显式注入。
// 步骤函数不做任何全局查找，给定输入即可确定行为。
type Deps struct {
	Agents   *services.AgentService
	Scripts  *services.ScriptService
	Games    *services.GameService
	Memory   *services.MemoryService
	Messages *services.MessageService
}

// Engine 开局工作流引擎。
// 每个步骤读写同一份SessionContext；失败写入LastError并停止推进，
// 从不向调用方抛出步骤内部的错误。
type Engine struct {
	deps Deps
}

// NewEngine 创建工作流引擎
func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Run 执行完整的开局工作流并返回最终上下文。
// scene_loading和character_loading并发执行，合并后进入first_investigation；
// 两个分支写入的字段集合互不相交，合并不会产生冲突。
func (e *Engine) Run(ctx context.Context, premise Premise) *SessionContext {
	sc := &SessionContext{
		SessionID: uuid.New().String(),
		Premise:   premise,
		CreatedAt: time.Now(),
	}

	log.Printf("🚀 [%s] 开局工作流启动: %s", sc.SessionID, premise.Theme)

	steps := []struct {
		name string
		run  func(context.Context, *SessionContext) error
	}{
		{StepScriptGeneration, e.scriptGeneration},
		{StepRoleAllocation, e.roleAllocation},
		{"", e.runParallelLoading}, // scene_loading ∥ character_loading
		{StepFirstInvestigation, e.firstInvestigation},
	}

	for _, step := range steps {
		if step.name != "" {
			sc.CurrentStep = step.name
		}
		if err := step.run(ctx, sc); err != nil {
			sc.LastError = err.Error()
			sc.Succeeded = false
			log.Printf("❌ [%s] 步骤 %s 失败: %v", sc.SessionID, sc.CurrentStep, err)
			return sc
		}
	}

	sc.Succeeded = true
	log.Printf("✅ [%s] 开局工作流完成", sc.SessionID)
	return sc
}

// runParallelLoading 并发执行场景装载和角色剧本装载，随后合并分支结果。
// 两个分支各自在上下文副本上工作，只回写自己负责的字段。
func (e *Engine) runParallelLoading(ctx context.Context, sc *SessionContext) error {
	sceneBranch := *sc
	characterBranch := *sc

	var sceneErr, characterErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sceneBranch.CurrentStep = StepSceneLoading
		sceneErr = e.sceneLoading(gctx, &sceneBranch)
		return sceneErr
	})
	g.Go(func() error {
		characterBranch.CurrentStep = StepCharacterLoading
		characterErr = e.characterLoading(gctx, &characterBranch)
		return characterErr
	})
	if err := g.Wait(); err != nil {
		// 以失败分支的步骤名对外报告
		if sceneErr != nil {
			sc.CurrentStep = StepSceneLoading
		} else if characterErr != nil {
			sc.CurrentStep = StepCharacterLoading
		}
		return err
	}

	// 分支字段合并：场景分支只写Scenes，角色分支只写Characters
	sc.Scenes = sceneBranch.Scenes
	sc.Characters = characterBranch.Characters
	sc.CurrentStep = StepCharacterLoading
	return nil
}
