// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

// GameClient 表示一名玩家在一个对局中的WebSocket连接
type GameClient struct {
	conn      *websocket.Conn
	gameID    string
	playerID  string
	send      chan []byte
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  time.Time
	createdAt time.Time
}

// Close 安全关闭客户端连接
func (client *GameClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *GameClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// GameHub 管理所有对局的WebSocket连接。
// 同一玩家在同一对局只保留最新的连接，旧连接被替换时关闭。
type GameHub struct {
	connections map[string]map[string]*GameClient // gameID -> playerID -> client
	register    chan *GameClient
	unregister  chan *GameClient
	shutdownCh  chan struct{}
	mutex       sync.RWMutex
	pingTimeout time.Duration
}

// NewGameHub 创建连接管理器并启动其主循环
func NewGameHub() *GameHub {
	hub := &GameHub{
		connections: make(map[string]map[string]*GameClient),
		register:    make(chan *GameClient, 256),
		unregister:  make(chan *GameClient, 256),
		shutdownCh:  make(chan struct{}),
		pingTimeout: 60 * time.Second,
	}
	go hub.run()
	return hub
}

// run 连接管理器主循环
func (hub *GameHub) run() {
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-hub.register:
			hub.registerClient(client)

		case client := <-hub.unregister:
			hub.unregisterClient(client)

		case <-cleanupTicker.C:
			hub.cleanupExpired()

		case <-hub.shutdownCh:
			hub.closeAll()
			return
		}
	}
}

func (hub *GameHub) registerClient(client *GameClient) {
	if client == nil {
		return
	}

	hub.mutex.Lock()
	if hub.connections[client.gameID] == nil {
		hub.connections[client.gameID] = make(map[string]*GameClient)
	}
	// 同一玩家重连时替换旧连接
	if old, exists := hub.connections[client.gameID][client.playerID]; exists && old != client {
		old.Close()
	}
	hub.connections[client.gameID][client.playerID] = client
	client.lastPing = time.Now()
	hub.mutex.Unlock()

	log.Printf("✅ 玩家 %s 已连接到对局 %s", client.playerID, client.gameID)
}

func (hub *GameHub) unregisterClient(client *GameClient) {
	if client == nil {
		return
	}

	hub.mutex.Lock()
	if players, exists := hub.connections[client.gameID]; exists {
		if current, ok := players[client.playerID]; ok && current == client {
			delete(players, client.playerID)
		}
		if len(players) == 0 {
			delete(hub.connections, client.gameID)
		}
	}
	hub.mutex.Unlock()

	if !client.IsClosed() {
		client.Close()
	}
	log.Printf("🔌 玩家 %s 已断开对局 %s", client.playerID, client.gameID)
}

// cleanupExpired 清理超时和已关闭的连接
func (hub *GameHub) cleanupExpired() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for gameID, players := range hub.connections {
		for playerID, client := range players {
			if client.IsClosed() || time.Since(client.lastPing) > hub.pingTimeout {
				delete(players, playerID)
				if !client.IsClosed() {
					client.Close()
				}
			}
		}
		if len(players) == 0 {
			delete(hub.connections, gameID)
		}
	}
}

func (hub *GameHub) closeAll() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	log.Println("🛑 正在关闭 WebSocket 连接管理器...")
	for _, players := range hub.connections {
		for _, client := range players {
			client.Close()
		}
	}
	hub.connections = make(map[string]map[string]*GameClient)
}

// Shutdown 关闭管理器和全部连接
func (hub *GameHub) Shutdown() {
	close(hub.shutdownCh)
}

// deliver 把已序列化的消息投递到目标客户端，队列满时丢弃
func (hub *GameHub) deliver(client *GameClient, message []byte) {
	if client.IsClosed() {
		return
	}
	select {
	case client.send <- message:
	default:
		log.Printf("⚠️ 玩家 %s 消息队列已满，消息被丢弃", client.playerID)
	}
}

// BroadcastToGame 向对局内全部连接广播消息
func (hub *GameHub) BroadcastToGame(gameID string, message map[string]interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ 序列化广播消息失败: %v", err)
		return
	}

	hub.mutex.RLock()
	clients := make([]*GameClient, 0)
	for _, client := range hub.connections[gameID] {
		if !client.IsClosed() {
			clients = append(clients, client)
		}
	}
	hub.mutex.RUnlock()

	for _, client := range clients {
		hub.deliver(client, msgBytes)
	}
}

// SendToPlayers 向对局内指定玩家定向发送消息；未连接的玩家静默跳过
func (hub *GameHub) SendToPlayers(gameID string, playerIDs []string, message map[string]interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ 序列化定向消息失败: %v", err)
		return
	}

	hub.mutex.RLock()
	clients := make([]*GameClient, 0, len(playerIDs))
	if players, exists := hub.connections[gameID]; exists {
		for _, playerID := range playerIDs {
			if client, ok := players[playerID]; ok && !client.IsClosed() {
				clients = append(clients, client)
			}
		}
	}
	hub.mutex.RUnlock()

	for _, client := range clients {
		hub.deliver(client, msgBytes)
	}
}

// GetStatus 获取连接状态（调试用）
func (hub *GameHub) GetStatus() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	games := make(map[string]interface{})
	total := 0

	for gameID, players := range hub.connections {
		active := make([]interface{}, 0, len(players))
		for playerID, client := range players {
			if client.IsClosed() {
				continue
			}
			active = append(active, map[string]interface{}{
				"player_id":    playerID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_ping":    client.lastPing.Format(time.RFC3339),
			})
		}
		games[gameID] = map[string]interface{}{
			"client_count": len(active),
			"players":      active,
		}
		total += len(active)
	}

	return map[string]interface{}{
		"total_games":       len(hub.connections),
		"total_connections": total,
		"games":             games,
	}
}

// ========================================
// 连接处理
// ========================================

// HandleConnection 升级HTTP连接并启动读写协程
func (hub *GameHub) HandleConnection(w http.ResponseWriter, r *http.Request, gameID, playerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket升级失败: %v", err)
		return
	}

	client := &GameClient{
		conn:      conn,
		gameID:    gameID,
		playerID:  playerID,
		send:      make(chan []byte, 64),
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	hub.register <- client

	go hub.writePump(client)
	go hub.readPump(client)
}

// readPump 读取客户端消息，当前只用于维持心跳
func (hub *GameHub) readPump(client *GameClient) {
	defer func() {
		hub.unregister <- client
	}()

	client.conn.SetReadDeadline(time.Now().Add(hub.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.lastPing = time.Now()
		client.conn.SetReadDeadline(time.Now().Add(hub.pingTimeout))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
		client.lastPing = time.Now()
		client.conn.SetReadDeadline(time.Now().Add(hub.pingTimeout))
	}
}

// writePump 把发送队列中的消息写到连接，定期发送ping
func (hub *GameHub) writePump(client *GameClient) {
	pingTicker := time.NewTicker(hub.pingTimeout / 2)
	defer func() {
		pingTicker.Stop()
		client.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-pingTicker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
