package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/correlator/internal/commandlog"
)

// GeneralController handles health, stats and command log inspection.
type GeneralController struct {
	engine Engine
}

// NewGeneralController creates a new general controller.
func NewGeneralController(engine Engine) *GeneralController {
	return &GeneralController{engine: engine}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/stats", c.handleStats)
	mux.HandleFunc("/v1/log", c.handleLog)
}

// handleHealth returns 200 OK with {"status": "ok"} while every partition
// applies commands, 503 Service Unavailable once one stopped.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.engine.Err(); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	per, total, err := c.engine.Stats()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, statsResp{Partitions: per, Total: total})
}

// handleLog pages through a partition's command log.
//
// Query: partition (default 1), start (resume token), limit, reverse.
func (c *GeneralController) handleLog(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	pid := int64(1)
	if s := q.Get("partition"); s != "" {
		var err error
		if pid, err = strconv.ParseInt(s, 10, 32); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid partition")
			return
		}
	}
	start, err := decodeToken(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start token")
		return
	}
	limit := parseLimit(q.Get("limit"))
	if limit == 0 {
		limit = 100
	}

	entries, next, err := c.engine.ReadLog(int32(pid), commandlog.ReadOptions{
		Start:   start,
		Limit:   limit,
		Reverse: parseBool(q.Get("reverse")),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := logResp{Partition: int32(pid), Entries: make([]logEntryJSON, 0, len(entries)), Next: encodeToken(next)}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, logEntryJSON{Seq: e.Seq, Type: string(e.Type), Command: e.Command})
	}
	writeJSON(w, resp)
}
