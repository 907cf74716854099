// Package ws is the session gateway: it authenticates websocket connections,
// joins them to project rooms and owns their lifecycle until disconnect.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabforge/collab-backend/internal/auth"
	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/room"
	"github.com/collabforge/collab-backend/internal/router"
	"github.com/collabforge/collab-backend/internal/sandbox"
	"github.com/collabforge/collab-backend/internal/store"
	"github.com/collabforge/collab-backend/internal/tree"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: implement proper origin checking
		return true
	},
}

// TokenVerifier validates join tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ProjectDirectory answers membership questions at join time.
type ProjectDirectory interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Gateway handles websocket joins and wires each connection to the message
// router and its own sandbox controller.
type Gateway struct {
	verifier TokenVerifier
	projects ProjectDirectory
	registry *room.Registry
	router   *router.Router
	trees    *tree.Synchronizer

	sandboxCfg  sandbox.Config
	sandboxBase string
}

// NewGateway creates the session gateway.
func NewGateway(
	verifier TokenVerifier,
	projects ProjectDirectory,
	registry *room.Registry,
	msgRouter *router.Router,
	trees *tree.Synchronizer,
	sandboxCfg sandbox.Config,
	sandboxBase string,
) *Gateway {
	return &Gateway{
		verifier:    verifier,
		projects:    projects,
		registry:    registry,
		router:      msgRouter,
		trees:       trees,
		sandboxCfg:  sandboxCfg,
		sandboxBase: sandboxBase,
	}
}

// Registry exposes the room registry.
func (g *Gateway) Registry() *room.Registry {
	return g.registry
}

// HandleWebSocket authenticates the request, verifies project membership
// and upgrades the connection into a room session.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("projectId")

	identity, err := g.verifier.Verify(auth.TokenFromRequest(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	member, err := g.projects.IsMember(req.Context(), projectID, identity.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a project member", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session, rm := g.registry.Join(projectID, room.User{ID: identity.ID, Email: identity.Email})
	client := newClient(conn, g, session, rm)

	log.Info().
		Str("project", projectID).
		Str("user", identity.ID).
		Str("session", session.ID).
		Msg("session joined")

	joined, _ := json.Marshal(joinedEvent{
		Type: "joined",
		Session: sessionInfo{
			ID:        session.ID,
			User:      session.User,
			ProjectID: session.ProjectID,
			JoinedAt:  session.JoinedAt,
		},
	})
	session.Deliver(joined)

	go client.readPump()
	go client.writePump()
}

// newSandbox creates the per-session sandbox controller, with callbacks
// that stream output back to this session only.
func (g *Gateway) newSandbox(session *room.Session) (*sandbox.Controller, *sandbox.Workspace, error) {
	ws, err := sandbox.NewWorkspace(filepath.Join(g.sandboxBase, session.ID))
	if err != nil {
		return nil, nil, err
	}

	cb := sandbox.Callbacks{
		OnOutput: func(step string, data []byte) {
			event, _ := json.Marshal(sandboxOutputEvent{Type: "sandbox", Step: step, Data: string(data)})
			session.Deliver(event)
		},
		OnReady: func(port int, url string) {
			event, _ := json.Marshal(readyEvent{Type: "ready", Port: port, URL: url})
			session.Deliver(event)
		},
		OnError: func(step string, err error) {
			event, _ := json.Marshal(sandboxErrorEvent{Type: "sandbox_error", Step: step, Error: err.Error()})
			session.Deliver(event)
		},
	}

	return sandbox.NewController(ws, g.sandboxCfg, cb), ws, nil
}

type sessionInfo struct {
	ID        string    `json:"id"`
	User      room.User `json:"user"`
	ProjectID string    `json:"projectId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

type joinedEvent struct {
	Type    string      `json:"type"`
	Session sessionInfo `json:"session"`
}

type sandboxOutputEvent struct {
	Type string `json:"type"`
	Step string `json:"step"`
	Data string `json:"data"`
}

type readyEvent struct {
	Type string `json:"type"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

type sandboxErrorEvent struct {
	Type  string `json:"type"`
	Step  string `json:"step"`
	Error string `json:"error"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
