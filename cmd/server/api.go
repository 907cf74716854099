package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/collabforge/collab-backend/internal/auth"
	"github.com/collabforge/collab-backend/internal/store"
	"github.com/collabforge/collab-backend/internal/tree"
	"github.com/collabforge/collab-backend/internal/ws"
)

// Server wires the HTTP API: user accounts, project CRUD and the websocket
// gateway endpoint.
type Server struct {
	store   *store.Store
	tokens  *auth.Service
	trees   *tree.Synchronizer
	gateway *ws.Gateway
}

// NewServer creates the HTTP server.
func NewServer(st *store.Store, tokens *auth.Service, trees *tree.Synchronizer, gateway *ws.Gateway) *Server {
	return &Server{
		store:   st,
		tokens:  tokens,
		trees:   trees,
		gateway: gateway,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Users
	mux.HandleFunc("POST /users/register", s.handleRegister)
	mux.HandleFunc("POST /users/login", s.handleLogin)
	mux.HandleFunc("GET /users/profile", s.tokens.RequireAuthFunc(s.handleProfile))
	mux.HandleFunc("GET /users/logout", s.tokens.RequireAuthFunc(s.handleLogout))
	mux.HandleFunc("GET /users/all", s.tokens.RequireAuthFunc(s.handleAllUsers))

	// Projects
	mux.HandleFunc("POST /projects/create", s.tokens.RequireAuthFunc(s.handleCreateProject))
	mux.HandleFunc("GET /projects/all", s.tokens.RequireAuthFunc(s.handleAllProjects))
	mux.HandleFunc("PUT /projects/add-user", s.tokens.RequireAuthFunc(s.handleAddUser))
	mux.HandleFunc("GET /projects/get-project/{projectId}", s.tokens.RequireAuthFunc(s.handleGetProject))
	mux.HandleFunc("PUT /projects/update-file-tree", s.tokens.RequireAuthFunc(s.handleUpdateFileTree))

	// Room websocket
	mux.HandleFunc("GET /projects/{projectId}/ws", s.gateway.HandleWebSocket)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (cr *credentialsRequest) validate() string {
	if !strings.Contains(cr.Email, "@") {
		return "email is not valid"
	}
	if len(cr.Password) < 6 {
		return "password must be at least 6 characters long"
	}
	return ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, err := s.tokens.Mint(auth.Identity{ID: user.ID, Email: user.Email})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, err := s.tokens.Mint(auth.Identity{ID: user.ID, Email: user.Email})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "token", Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), identity.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.tokens.Revoke(auth.TokenFromRequest(r))
	http.SetCookie(w, &http.Cookie{Name: "token", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := s.store.CreateProject(r.Context(), req.Name, identity.ID)
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *Server) handleAllProjects(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	projects, err := s.store.ListProjectsFor(r.Context(), identity.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	var req struct {
		ProjectID string   `json:"projectId"`
		Users     []string `json:"users"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" || len(req.Users) == 0 {
		writeError(w, http.StatusBadRequest, "projectId and users are required")
		return
	}

	project, err := s.store.AddMembers(r.Context(), req.ProjectID, identity.ID, req.Users)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotMember):
			writeError(w, http.StatusForbidden, "user does not have access to this project")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fileTree, err := s.trees.Read(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"project": map[string]any{
		"id":       project.ID,
		"name":     project.Name,
		"users":    project.Members,
		"fileTree": fileTree,
	}})
}

// handleUpdateFileTree is the UI's explicit save path. It goes through the
// synchronizer like AI-driven writes, so the same serialization discipline
// applies. An empty tree clears the workspace.
func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	var req struct {
		ProjectID string          `json:"projectId"`
		FileTree  json.RawMessage `json:"fileTree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	member, err := s.store.IsMember(r.Context(), req.ProjectID, identity.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "user does not have access to this project")
		return
	}

	newTree := tree.Tree{}
	if len(req.FileTree) > 0 {
		newTree, err = tree.Parse(req.FileTree)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid file tree: "+err.Error())
			return
		}
	}

	if err := s.trees.Apply(r.Context(), req.ProjectID, newTree); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": map[string]any{
		"id":       req.ProjectID,
		"fileTree": newTree,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
