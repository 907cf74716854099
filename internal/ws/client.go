package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/room"
	"github.com/collabforge/collab-backend/internal/sandbox"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// ControlMessage is one inbound JSON frame from a connection.
type ControlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Client binds one websocket connection to its room session and sandbox.
type Client struct {
	conn    *websocket.Conn
	gateway *Gateway
	session *room.Session
	room    *room.Room

	mu        sync.Mutex
	ctrl      *sandbox.Controller
	workspace *sandbox.Workspace

	leaveOnce sync.Once
}

func newClient(conn *websocket.Conn, g *Gateway, session *room.Session, rm *room.Room) *Client {
	return &Client{
		conn:    conn,
		gateway: g,
		session: session,
		room:    rm,
	}
}

// readPump reads inbound frames until the connection dies. Leaving the
// room and stopping the sandbox happen exactly once, on every disconnect
// path.
func (c *Client) readPump() {
	defer c.leave()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session", c.session.ID).Msg("websocket read error")
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handleControl(msg)
	}
}

func (c *Client) handleControl(msg ControlMessage) {
	switch msg.Type {
	case "chat":
		c.gateway.router.Route(c.room, c.session.User, msg.Message)

	case "run":
		c.handleRun()

	case "stop":
		c.mu.Lock()
		ctrl := c.ctrl
		c.mu.Unlock()
		if ctrl != nil {
			ctrl.Stop()
		}

	default:
		log.Debug().Str("type", msg.Type).Msg("unknown control message type")
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleRun mounts the current synchronized tree into this session's
// sandbox and starts the install/run pipeline.
func (c *Client) handleRun() {
	t, err := c.gateway.trees.Read(context.Background(), c.session.ProjectID)
	if err != nil {
		c.sendError("could not load file tree: " + err.Error())
		return
	}

	ctrl, err := c.controller()
	if err != nil {
		c.sendError("could not prepare sandbox: " + err.Error())
		return
	}
	ctrl.Start(t)
}

// controller lazily creates this session's sandbox controller.
func (c *Client) controller() (*sandbox.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl != nil {
		return c.ctrl, nil
	}
	ctrl, ws, err := c.gateway.newSandbox(c.session)
	if err != nil {
		return nil, err
	}
	c.ctrl = ctrl
	c.workspace = ws
	return ctrl, nil
}

func (c *Client) sendError(message string) {
	event, _ := json.Marshal(errorEvent{Type: "error", Error: message})
	c.session.Deliver(event)
}

// leave tears the session down: room membership, sandbox process and
// workspace directory.
func (c *Client) leave() {
	c.leaveOnce.Do(func() {
		c.gateway.registry.Leave(c.session)

		c.mu.Lock()
		ctrl := c.ctrl
		workspace := c.workspace
		c.mu.Unlock()

		if ctrl != nil {
			ctrl.Stop()
		}
		if workspace != nil {
			if err := workspace.Remove(); err != nil {
				log.Warn().Err(err).Str("session", c.session.ID).Msg("workspace cleanup failed")
			}
		}

		c.conn.Close()
		log.Info().
			Str("project", c.session.ProjectID).
			Str("session", c.session.ID).
			Msg("session left")
	})
}

// writePump drains the session's output channel to the websocket. The
// channel closes when the session leaves its room or is dropped by it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.session.Output():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
