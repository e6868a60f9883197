// internal/services/message_service.go
package services

import (
	"log"
	"time"
)

// Notifier 把消息推送到对局内的客户端连接。
// 由api层的WebSocket管理器实现；推送是尽力而为，失败不影响游戏流程。
type Notifier interface {
	BroadcastToGame(gameID string, message map[string]interface{})
	SendToPlayers(gameID string, playerIDs []string, message map[string]interface{})
}

// noopNotifier 在没有传输层时使用（测试和离线模式）
type noopNotifier struct{}

func (noopNotifier) BroadcastToGame(string, map[string]interface{})         {}
func (noopNotifier) SendToPlayers(string, []string, map[string]interface{}) {}

// MessageService 负责组装对局内的通知信封并推送。
// 所有推送都是即发即忘，不保证送达。
type MessageService struct {
	notifier Notifier
}

// NewMessageService 创建消息服务；notifier为nil时推送被静默丢弃
func NewMessageService(notifier Notifier) *MessageService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &MessageService{notifier: notifier}
}

func envelope(msgType, content string) map[string]interface{} {
	return map[string]interface{}{
		"type":      msgType,
		"content":   content,
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

// BroadcastPhaseChange 广播阶段切换通知
func (s *MessageService) BroadcastPhaseChange(gameID, phase string, round int, content string) {
	msg := envelope("phase_change", content)
	msg["phase"] = phase
	msg["round"] = round
	s.notifier.BroadcastToGame(gameID, msg)
	log.Printf("📢 [%s] 阶段切换: %s (第%d轮)", gameID, phase, round)
}

// BroadcastDiscussion 广播一条讨论发言
func (s *MessageService) BroadcastDiscussion(gameID, senderID, senderName, content string) {
	msg := envelope("discussion", content)
	msg["sender_id"] = senderID
	msg["sender_name"] = senderName
	s.notifier.BroadcastToGame(gameID, msg)
}

// BroadcastSystem 广播一条系统通知（DM叙述、裁判总结等）
func (s *MessageService) BroadcastSystem(gameID, content string) {
	s.notifier.BroadcastToGame(gameID, envelope("system", content))
}

// SendPrivateChat 向私聊双方推送一条私聊消息
func (s *MessageService) SendPrivateChat(gameID, senderID, receiverID, content string) {
	msg := envelope("private_chat", content)
	msg["sender_id"] = senderID
	msg["receiver_id"] = receiverID
	s.notifier.SendToPlayers(gameID, []string{senderID, receiverID}, msg)
}

// SendPrivateChatInvitation 向受邀方推送私聊邀请
func (s *MessageService) SendPrivateChatInvitation(gameID, inviterID, inviteeID string) {
	msg := envelope("private_chat_invitation", "你收到一条私聊邀请")
	msg["sender_id"] = inviterID
	msg["recipient_ids"] = []string{inviteeID}
	s.notifier.SendToPlayers(gameID, []string{inviteeID}, msg)
}

// SendPrivateChatEnded 通知私聊双方会话已结束
func (s *MessageService) SendPrivateChatEnded(gameID, playerA, playerB, reason string) {
	msg := envelope("private_chat_ended", reason)
	msg["recipient_ids"] = []string{playerA, playerB}
	s.notifier.SendToPlayers(gameID, []string{playerA, playerB}, msg)
}

// SendToPlayer 向单个玩家推送定向通知
func (s *MessageService) SendToPlayer(gameID, playerID, msgType, content string) {
	msg := envelope(msgType, content)
	msg["recipient_ids"] = []string{playerID}
	s.notifier.SendToPlayers(gameID, []string{playerID}, msg)
}
