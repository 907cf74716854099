// Package router classifies inbound room messages and dispatches them:
// plain chat fans out immediately, AI-directed messages trigger an
// asynchronous completion whose result is synchronized and then broadcast.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"github.com/collabforge/collab-backend/internal/ai"
	"github.com/collabforge/collab-backend/internal/log"
	"github.com/collabforge/collab-backend/internal/room"
	"github.com/collabforge/collab-backend/internal/tree"
)

// aiDirective marks a message as addressed to the assistant.
const aiDirective = "@ai"

// AISender is the reserved sentinel identity for assistant messages.
var AISender = room.User{ID: "ai", Email: "ai"}

// Completer is the AI completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, contextTree tree.Tree) (string, error)
}

// Message is the chat event broadcast to a room.
type Message struct {
	Type    string    `json:"type"`
	Sender  room.User `json:"sender"`
	Message string    `json:"message"`
	Seq     uint64    `json:"seq"`
}

// Router dispatches inbound messages for all rooms.
type Router struct {
	completer Completer
	trees     *tree.Synchronizer
}

// New creates a message router.
func New(completer Completer, trees *tree.Synchronizer) *Router {
	return &Router{completer: completer, trees: trees}
}

// Route handles one inbound chat body from a session. The message itself is
// broadcast synchronously, reserving its sequence slot; if it is addressed
// to the assistant the completion runs asynchronously and its response is
// broadcast whenever it arrives, interleaved with later chat.
func (r *Router) Route(rm *room.Room, sender room.User, body string) {
	r.broadcast(rm, sender, body)

	if prompt, ok := aiPrompt(body); ok {
		go r.handleAI(rm, prompt)
	}
}

// aiPrompt reports whether the body is addressed to the assistant and
// returns the remaining prompt text.
func aiPrompt(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, aiDirective) {
		return "", false
	}
	rest := trimmed[len(aiDirective):]
	// "@aify" is a word, not a directive
	if rest != "" && !unicode.IsSpace(rune(rest[0])) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (r *Router) handleAI(rm *room.Room, prompt string) {
	ctx := context.Background()
	projectID := rm.ProjectID()

	contextTree, err := r.trees.Read(ctx, projectID)
	if err != nil {
		// The prompt is still worth answering without tree context
		log.Warn().Err(err).Str("project", projectID).Msg("reading tree for ai context failed")
		contextTree = nil
	}

	reply, err := r.completer.Complete(ctx, prompt, contextTree)
	if err != nil {
		// An AI failure must be visible to the room, never silently dropped
		log.Error().Err(err).Str("project", projectID).Msg("ai completion failed")
		r.broadcast(rm, AISender, "The assistant could not answer: "+failureReason(err))
		return
	}

	if newTree, ok := extractFileTree(reply); ok {
		if err := r.trees.Apply(ctx, projectID, newTree); err != nil {
			log.Error().Err(err).Str("project", projectID).Msg("applying ai file tree failed")
			r.broadcast(rm, AISender, "The assistant's file changes could not be saved: "+err.Error())
		}
	}

	// The raw payload is broadcast even when it is unparsable prose;
	// rendering degradation is the client's concern.
	r.broadcast(rm, AISender, reply)
}

func (r *Router) broadcast(rm *room.Room, sender room.User, body string) {
	rm.Broadcast(func(seq uint64) []byte {
		data, _ := json.Marshal(Message{
			Type:    "message",
			Sender:  sender,
			Message: body,
			Seq:     seq,
		})
		return data
	})
}

// extractFileTree attempts to read a fileTree field out of a structured
// reply. Prose replies and replies without file changes return false.
func extractFileTree(reply string) (tree.Tree, bool) {
	var payload struct {
		FileTree json.RawMessage `json:"fileTree"`
	}
	if err := json.Unmarshal([]byte(reply), &payload); err != nil {
		return nil, false
	}
	if len(payload.FileTree) == 0 || string(payload.FileTree) == "null" {
		return nil, false
	}
	t, err := tree.Parse(payload.FileTree)
	if err != nil {
		log.Warn().Err(err).Msg("ai reply carried an invalid file tree")
		return nil, false
	}
	return t, true
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ai.ErrTimeout):
		return "the request timed out"
	default:
		return "the provider returned an error"
	}
}
