package services

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ExecutionEvent 执行状态变化事件，推送给订阅的前端
type ExecutionEvent struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  uint      `json:"workflow_id"`
	TenantID    uint      `json:"tenant_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type eventClient struct {
	ID       string
	TenantID uint
	Conn     *websocket.Conn
	Send     chan ExecutionEvent
	Hub      *EventHub
}

// EventHub 按租户广播执行事件的 WebSocket 中心
type EventHub struct {
	clients    map[string]*eventClient
	broadcast  chan ExecutionEvent
	register   chan *eventClient
	unregister chan *eventClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*eventClient),
		broadcast:  make(chan ExecutionEvent, 64),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
	}
}

func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			logrus.Infof("Event client %s connected (tenant %d)", client.ID, client.TenantID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("Event client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			// 投递在读锁下进行，发不动的客户端先记下来，
			// 换写锁再摘除，避免并发写 map 和重复 close
			var stale []*eventClient
			h.mutex.RLock()
			for _, client := range h.clients {
				if client.TenantID != 0 && client.TenantID != event.TenantID {
					continue
				}
				select {
				case client.Send <- event:
				default:
					stale = append(stale, client)
				}
			}
			h.mutex.RUnlock()

			if len(stale) > 0 {
				h.mutex.Lock()
				for _, client := range stale {
					if _, ok := h.clients[client.ID]; ok {
						delete(h.clients, client.ID)
						close(client.Send)
						logrus.Warnf("Event client %s evicted, send buffer full", client.ID)
					}
				}
				h.mutex.Unlock()
			}
		}
	}
}

// Publish 非阻塞投递：没有消费者时事件直接丢弃，执行路径不等待推送
func (h *EventHub) Publish(event ExecutionEvent) {
	select {
	case h.broadcast <- event:
	default:
		logrus.Warn("Event hub backlog full, dropping execution event")
	}
}

func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	tenantID, _ := strconv.ParseUint(c.Query("tenant_id"), 10, 64)

	client := &eventClient{
		ID:       fmt.Sprintf("client_%d", time.Now().UnixNano()),
		TenantID: uint(tenantID),
		Conn:     conn,
		Send:     make(chan ExecutionEvent, 256),
		Hub:      h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *eventClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// 事件流是单向的，客户端消息只用来维持连接
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(event); err != nil {
				logrus.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
