package controllers

import (
	"net/http"
	"strconv"
)

// QueriesController answers read-only state queries.
type QueriesController struct {
	engine Engine
}

// NewQueriesController creates a new queries controller.
func NewQueriesController(engine Engine) *QueriesController {
	return &QueriesController{engine: engine}
}

// RegisterRoutes registers query routes with the given mux.
func (c *QueriesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/correlation-keys/active", c.handleCorrelationKeyActive)
	mux.HandleFunc("/v1/subscriptions/exists", c.handleSubscriptionExists)
}

// handleCorrelationKeyActive reports whether a process instance started by
// a message with the correlation key is still running.
//
// Query: tenantId, bpmnProcessId, correlationKey.
func (c *QueriesController) handleCorrelationKeyActive(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	if q.Get("bpmnProcessId") == "" {
		writeError(w, http.StatusBadRequest, "bpmnProcessId is required")
		return
	}
	active, err := c.engine.IsCorrelationKeyActive(q.Get("tenantId"), q.Get("bpmnProcessId"), q.Get("correlationKey"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"active": active})
}

// handleSubscriptionExists reports whether any process subscription of the
// element instance exists. Query: elementInstanceKey.
func (c *QueriesController) handleSubscriptionExists(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	eik, err := strconv.ParseInt(r.URL.Query().Get("elementInstanceKey"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid elementInstanceKey")
		return
	}
	exists, err := c.engine.ExistsSubscriptionForElement(eik)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"exists": exists})
}
