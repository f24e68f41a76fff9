package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gridforge/tabletop/internal/services/sync/storage"
)

// The query/mutation endpoint always answers 200 with a {data, error}
// envelope; callers are expected to check error before trusting data.

type storeEnvelope struct {
	Data  any         `json:"data"`
	Error *storeError `json:"error"`
}

type storeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type queryRequest struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type mutateRequest struct {
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	Row    map[string]any `json:"row,omitempty"`
	Filter string         `json:"filter,omitempty"`
}

type mutateResponse struct {
	Row     map[string]any `json:"row,omitempty"`
	Deleted bool           `json:"deleted"`
}

func (a *App) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStoreEnvelope(w, nil, &storeError{Code: "INVALID_ARGUMENT", Message: "invalid query request"})
		return
	}

	rows, err := a.store.Query(r.Context(), storage.Query{
		Table:  req.Table,
		Filter: req.Filter,
		Limit:  req.Limit,
	})
	if err != nil {
		writeStoreEnvelope(w, nil, &storeError{Code: "FAILED_PRECONDITION", Message: err.Error()})
		return
	}
	writeStoreEnvelope(w, rows, nil)
}

func (a *App) handleMutate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStoreEnvelope(w, nil, &storeError{Code: "INVALID_ARGUMENT", Message: "invalid mutate request"})
		return
	}

	// Commit and fan-out hold one lock, and both happen before the response,
	// so watchers and the mutating client observe changes in commit order
	// even when mutations of the same row race.
	a.publishMu.Lock()
	result, err := a.store.Mutate(r.Context(), storage.Mutation{
		Table:  req.Table,
		Op:     req.Op,
		Row:    req.Row,
		Filter: req.Filter,
	})
	if err != nil {
		a.publishMu.Unlock()
		writeStoreEnvelope(w, nil, &storeError{Code: "FAILED_PRECONDITION", Message: err.Error()})
		return
	}
	if result.Change != nil {
		a.hub.publishChange(*result.Change)
	}
	a.publishMu.Unlock()

	writeStoreEnvelope(w, mutateResponse{Row: result.Row, Deleted: result.Deleted}, nil)
}

func writeStoreEnvelope(w http.ResponseWriter, data any, storeErr *storeError) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(storeEnvelope{Data: data, Error: storeErr}); err != nil {
		log.Printf("sync: encode store envelope: %v", err)
	}
}
