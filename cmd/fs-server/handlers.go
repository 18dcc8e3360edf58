package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"FlowScope/internal/model"
	"FlowScope/internal/stats"

	"github.com/gorilla/mux"
)

// apiServer exposes the stats service over HTTP.
type apiServer struct {
	service *stats.Service
}

type pageResponse struct {
	Rows  []model.StatRow `json:"rows"`
	Total int             `json:"total"`
}

func newHTTPHandler(service *stats.Service) http.Handler {
	s := &apiServer{service: service}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/backends", s.handleBackends).Methods("GET")

	b := api.PathPrefix("/backends/{id}").Subrouter()
	b.HandleFunc("/summary", s.handleSummary).Methods("GET")
	b.HandleFunc("/domains", s.handleTop(s.service.DomainStats)).Methods("GET")
	b.HandleFunc("/ips", s.handleTop(s.service.IPStats)).Methods("GET")
	b.HandleFunc("/proxies", s.handleTop(s.service.ProxyStats)).Methods("GET")
	b.HandleFunc("/rules", s.handleTop(s.service.RuleStats)).Methods("GET")
	b.HandleFunc("/countries", s.handleTop(s.service.CountryStats)).Methods("GET")
	b.HandleFunc("/devices", s.handleTop(s.service.DeviceStats)).Methods("GET")
	b.HandleFunc("/rules/{rule}/domains", s.handleDrilldown("rule", s.service.RuleDomains)).Methods("GET")
	b.HandleFunc("/rules/{rule}/ips", s.handleDrilldown("rule", s.service.RuleIPs)).Methods("GET")
	b.HandleFunc("/devices/{device}/domains", s.handleDrilldown("device", s.service.DeviceDomains)).Methods("GET")
	b.HandleFunc("/devices/{device}/ips", s.handleDrilldown("device", s.service.DeviceIPs)).Methods("GET")
	b.HandleFunc("/chain-flows", s.handleChainFlows).Methods("GET")
	b.HandleFunc("/chain-flows/{rule}", s.handleRuleChainFlow).Methods("GET")
	b.HandleFunc("/trend", s.handleTrend).Methods("GET")
	api.HandleFunc("/backends/{id}", s.handleClear).Methods("DELETE")

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, stats.ErrBadTimeRange) {
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// requestRange parses the optional start/end query parameters.
func requestRange(r *http.Request) (model.TimeRange, error) {
	q := r.URL.Query()
	return stats.ParseTimeRange(q.Get("start"), q.Get("end"))
}

// requestOpts parses the pagination and search query parameters. Bad
// numbers fall back to defaults.
func requestOpts(r *http.Request) model.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return model.ListOptions{
		Limit:  limit,
		Offset: offset,
		SortBy: model.SortKey(q.Get("sort_by")),
		Search: q.Get("search"),
	}.Normalize()
}

func (s *apiServer) handleBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.BackendIDs())
}

func (s *apiServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	tr, err := requestRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.service.Summary(r.Context(), mux.Vars(r)["id"], tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, summary)
}

// handleTop adapts a paginated dimension read into an HTTP handler.
func (s *apiServer) handleTop(fn func(ctx context.Context, backendID string, tr model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr, err := requestRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		rows, total, err := fn(r.Context(), mux.Vars(r)["id"], tr, requestOpts(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, pageResponse{Rows: rows, Total: total})
	}
}

// handleDrilldown adapts a per-rule or per-device read, pulling the nested
// path variable named by varName.
func (s *apiServer) handleDrilldown(varName string, fn func(ctx context.Context, backendID, key string, tr model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr, err := requestRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		vars := mux.Vars(r)
		rows, total, err := fn(r.Context(), vars["id"], vars[varName], tr, requestOpts(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, pageResponse{Rows: rows, Total: total})
	}
}

func (s *apiServer) handleChainFlows(w http.ResponseWriter, r *http.Request) {
	tr, err := requestRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	graph, err := s.service.AllRuleChainFlows(r.Context(), mux.Vars(r)["id"], tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, graph)
}

func (s *apiServer) handleRuleChainFlow(w http.ResponseWriter, r *http.Request) {
	tr, err := requestRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	graph, err := s.service.RuleChainFlow(r.Context(), vars["id"], vars["rule"], tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, graph)
}

func (s *apiServer) handleTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minutes, _ := strconv.Atoi(q.Get("minutes"))
	bucketMinutes, _ := strconv.Atoi(q.Get("bucket_minutes"))
	points, err := s.service.TrafficTrend(r.Context(), mux.Vars(r)["id"], minutes, bucketMinutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, points)
}

func (s *apiServer) handleClear(w http.ResponseWriter, r *http.Request) {
	backendID := mux.Vars(r)["id"]
	if err := s.service.Clear(r.Context(), backendID); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("API: cleared backend %s", backendID)
	w.WriteHeader(http.StatusNoContent)
}
