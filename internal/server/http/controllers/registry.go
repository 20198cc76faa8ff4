package controllers

import (
	"net/http"

	"github.com/rzbill/correlator/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general  *GeneralController
	messages *MessagesController
	queries  *QueriesController
}

// NewControllerRegistry creates a new controller registry over engine.
// Published messages without a time to live get defaultTTLMs.
func NewControllerRegistry(engine Engine, defaultTTLMs int64, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(engine),
		messages: NewMessagesController(engine, defaultTTLMs, logger),
		queries:  NewQueriesController(engine),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.messages.RegisterRoutes(mux)
	r.queries.RegisterRoutes(mux)
}
