package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/service"
)

type handlers struct {
	svc    *service.Service
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.svc.Health(r.Context()))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats()
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Search(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (h *handlers) matchTriggers(w http.ResponseWriter, r *http.Request) {
	var req service.MatchTriggersRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.MatchTriggers(req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp, err := h.svc.List(q.Get("specFolder"), q.Get("tier"), limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	outcome, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, outcome)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, rec)
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req service.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = id
	outcome, err := h.svc.Update(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, outcome)
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	skipBackup := r.URL.Query().Get("skipBackup") == "true"
	deleted, err := h.svc.Delete(service.DeleteRequest{ID: id, SkipBackup: skipBackup})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *handlers) deleteFolder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deleted, err := h.svc.Delete(service.DeleteRequest{
		SpecFolder: chi.URLParam(r, "folder"),
		Confirm:    q.Get("confirm") == "true",
		SkipBackup: q.Get("skipBackup") == "true",
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		WasUseful bool `json:"wasUseful"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.svc.Validate(id, req.WasUseful)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, rec)
}

func (h *handlers) why(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	maxHops, _ := strconv.Atoi(r.URL.Query().Get("maxHops"))
	paths, err := h.svc.Why(id, maxHops)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"paths": paths})
}

func (h *handlers) scan(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	summary, err := h.svc.Scan(r.Context(), force)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

func (h *handlers) indexFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	outcome, err := h.svc.IndexFile(r.Context(), req.Path, req.Force)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, outcome)
}

func (h *handlers) checkpointList(w http.ResponseWriter, r *http.Request) {
	cps, err := h.svc.CheckpointList()
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"checkpoints": cps})
}

func (h *handlers) checkpointCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		SpecFolder string `json:"specFolder"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	cp, err := h.svc.CheckpointCreate(req.Name, req.SpecFolder)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, cp)
}

func (h *handlers) checkpointRestore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		ClearExisting bool `json:"clearExisting"`
		SkipBackup    bool `json:"skipBackup"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	restored, err := h.svc.CheckpointRestore(name, req.ClearExisting, req.SkipBackup)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"restored": restored})
}

func (h *handlers) checkpointDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CheckpointDelete(chi.URLParam(r, "name")); err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *handlers) link(w http.ResponseWriter, r *http.Request) {
	var req service.LinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	edge, err := h.svc.Link(req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, edge)
}

func (h *handlers) unlink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID int64  `json:"sourceId"`
		TargetID int64  `json:"targetId"`
		Relation string `json:"relation"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Unlink(req.SourceID, req.TargetID, req.Relation); err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"unlinked": true})
}

func (h *handlers) causalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CausalStats()
	if err != nil {
		h.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (h *handlers) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, engramerr.Validation("invalid memory id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, engramerr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *handlers) respondError(w http.ResponseWriter, err error) {
	e := engramerr.From(err)
	respond(w, statusFor(e.Code), map[string]interface{}{"error": e})
}

func statusFor(code engramerr.Code) int {
	switch code {
	case engramerr.CodeValidation:
		return http.StatusBadRequest
	case engramerr.CodeNotFound:
		return http.StatusNotFound
	case engramerr.CodeConflict:
		return http.StatusConflict
	case engramerr.CodeRateLimited:
		return http.StatusTooManyRequests
	case engramerr.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
