// Package httpapi is the client-facing front door: a small net/http
// handler that accepts task-group submissions and a default
// ResultSink that delivers a resolved group's merged env back to its
// submitter by HTTP POST.
//
// The worker-facing RPC channel (rpcproto) is gob because that wire
// format is the one thing SPEC_FULL.md actually specifies (§6); the
// submitter-facing boundary is unspecified, so this package uses
// stdlib encoding/json, the idiomatic default for an external HTTP
// API with no ecosystem precedent pulling it toward anything else.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/grailbio/base/log"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/taskmanager"
)

// groupRequest is the wire shape of a POST /groups body. Each job env
// is decoded by encoding/json into job.Env's fields only: a key that
// matches none of them is dropped and is not collected into Extra.
type groupRequest struct {
	GroupID    string              `json:"group_id"`
	Jobs       map[string]*job.Env `json:"workers_jobs"`
	Priority   int                 `json:"priority"`
	ReturnURL  string              `json:"return_url"`
	ContestUID [2]string           `json:"contest_uid"`
	Sync       bool                `json:"sync"`
}

// Handler serves the submission endpoint against a TaskManager.
type Handler struct {
	tm *taskmanager.TaskManager
	// SyncWait bounds how long a sync=true submission blocks for
	// resolution before the handler falls back to a 202-Accepted
	// response, the same way a caller that doesn't want to wait at all
	// gets one immediately.
	SyncWait time.Duration
}

// NewHandler builds a Handler for tm.
func NewHandler(tm *taskmanager.TaskManager) *Handler {
	return &Handler{tm: tm, SyncWait: 30 * time.Second}
}

// Mux returns an http.ServeMux with every httpapi route registered,
// for a cmd/dispatcherd-style caller that just wants to plug it into
// an http.Server.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/groups", h.handleGroups)
	return mux
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.GroupID == "" || len(req.Jobs) == 0 {
		http.Error(w, "group_id and workers_jobs are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	resultc, err := h.tm.AddTaskGroup(ctx, req.GroupID, req.Jobs, req.Priority, req.ReturnURL, req.ContestUID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !req.Sync {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"group_id": req.GroupID, "status": "to_judge"})
		return
	}

	select {
	case merged := <-resultc:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(merged)
	case <-time.After(h.SyncWait):
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"group_id": req.GroupID, "status": "to_judge"})
	case <-ctx.Done():
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, _ := errkind.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errkind.DuplicateGroup, errkind.HugeTask:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// HTTPSink is the default ResultSink: it POSTs the merged env as JSON
// to returnURL, logging (rather than retrying) on failure, since
// SPEC_FULL.md leaves result delivery best-effort beyond persistence
// in the store until the group is resolved.
type HTTPSink struct {
	Client *http.Client
}

// NewHTTPSink builds an HTTPSink with a bounded default client.
func NewHTTPSink() *HTTPSink {
	return &HTTPSink{Client: &http.Client{Timeout: 10 * time.Second}}
}

// Deliver implements taskmanager.ResultSink.
func (s *HTTPSink) Deliver(ctx context.Context, returnURL string, env map[string]interface{}) {
	if returnURL == "" {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("httpapi: marshal result for %v: %v", returnURL, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, returnURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("httpapi: build request for %v: %v", returnURL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		log.Printf("httpapi: deliver to %v: %v", returnURL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("httpapi: deliver to %v: status %s", returnURL, resp.Status)
	}
}
