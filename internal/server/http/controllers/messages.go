package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/rzbill/correlator/internal/protocol"
	"github.com/rzbill/correlator/pkg/log"
)

// MessagesController accepts published messages and engine commands.
type MessagesController struct {
	engine       Engine
	defaultTTLMs int64
	logger       log.Logger
}

// NewMessagesController creates a new messages controller.
func NewMessagesController(engine Engine, defaultTTLMs int64, logger log.Logger) *MessagesController {
	if logger == nil {
		logger = log.NewNop()
	}
	return &MessagesController{engine: engine, defaultTTLMs: defaultTTLMs, logger: logger}
}

// RegisterRoutes registers message routes with the given mux.
func (c *MessagesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/messages/publish", c.handlePublish)
	mux.HandleFunc("/v1/commands", c.handleCommand)
}

// handlePublish publishes a message and answers with its outcome once it is
// known: buffered, correlated, start-event-triggered, duplicate,
// rejected-exclusivity or expired.
func (c *MessagesController) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	resp, err := c.engine.Publish(r.Context(), req.record(c.defaultTTLMs))
	if err != nil {
		c.logger.Warn("publish failed", log.Str("name", req.Name), log.Err(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleCommand appends an engine command (subscription open/close,
// deployment, instance end) without waiting for it to be applied.
func (c *MessagesController) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Answers only reach waiters of this process.
	cmd.Request = nil
	if err := c.engine.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
