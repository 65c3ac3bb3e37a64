package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/hochfrequenz/experiment-orchestrator/internal/addressing"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/observer"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Complete       bool              `json:"complete"`
	Total          int               `json:"total"`
	Ready          int               `json:"ready"`
	Incomplete     int               `json:"incomplete"`
	Completed      int               `json:"completed"`
	Failed         int               `json:"failed"`
	ThrottleActive bool              `json:"throttle_active"`
	Metrics        *observer.Metrics `json:"metrics,omitempty"`
	Stuck          []string          `json:"stuck,omitempty"`
}

// RunResponse is one row of a listing
type RunResponse struct {
	Index   int              `json:"index"`
	Address string           `json:"address"`
	Status  domain.RunStatus `json:"status"`
}

// RunNRequest starts a throttled run over a query
type RunNRequest struct {
	N     int    `json:"n"`
	Query string `json:"query"`
}

// RunNResponse reports the addresses scheduled by a throttled run
type RunNResponse struct {
	Scheduled []string `json:"scheduled"`
}

func (s *Server[T, A]) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		list := s.exp.RunList()
		status := StatusResponse{
			ID:             s.exp.ID(),
			Status:         s.exp.Status(),
			Complete:       s.exp.Complete(),
			Total:          len(list),
			ThrottleActive: s.exp.ThrottledRunActive(),
		}
		for _, e := range list {
			switch e.Status {
			case domain.RunReady:
				status.Ready++
			case domain.RunIncomplete:
				status.Incomplete++
			case domain.RunComplete:
				status.Completed++
			case domain.RunFail:
				status.Failed++
			}
		}
		if s.observer != nil {
			m := s.observer.GetMetrics()
			status.Metrics = &m
			status.Stuck = s.observer.Stuck()
		}

		writeJSON(w, status)
	}
}

// listing evaluates a query against a fresh full listing
func (s *Server[T, A]) listing(query string) ([]domain.ListEntry, error) {
	resolver := addressing.NewResolver(s.exp, nil)
	list, err := resolver.ListRuns("")
	if err != nil || query == "" {
		return list, err
	}
	return resolver.ListRuns(query)
}

func (s *Server[T, A]) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		list, err := s.listing(r.URL.Query().Get("q"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp := make([]RunResponse, len(list))
		for i, e := range list {
			resp[i] = RunResponse{Index: i, Address: e.Address, Status: e.Status}
		}
		writeJSON(w, resp)
	}
}

// runHandler serves /api/runs/{addr}, /api/runs/{addr}/run and /api/runs/{addr}/stop
func (s *Server[T, A]) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		addr, action, _ := strings.Cut(path, "/")
		if addr == "" {
			writeError(w, http.StatusBadRequest, "address required")
			return
		}
		if !s.exp.HasAddress(addr) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			detail, ok := s.exp.Detail(addr)
			if !ok {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, detail)

		case "run":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			go func() {
				if err := s.exp.RunOne(s.ctx, addr); err != nil {
					log.Printf("run %s: %v", addr, err)
				}
			}()
			writeStatus(w, http.StatusAccepted, map[string]string{"address": addr})

		case "stop":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.exp.StopRun(addr)
			writeJSON(w, map[string]string{"address": addr})

		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}

func (s *Server[T, A]) runNHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req RunNRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.N < 1 {
			writeError(w, http.StatusBadRequest, experiment.ErrInvalidChunkSize.Error())
			return
		}
		if s.exp.ThrottledRunActive() {
			writeError(w, http.StatusConflict, experiment.ErrThrottleActive.Error())
			return
		}

		list, err := s.listing(req.Query)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		addrs := make([]string, len(list))
		for i, e := range list {
			addrs[i] = e.Address
		}

		go func(ctx context.Context) {
			err := s.exp.RunNAtATime(ctx, req.N, addrs)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("run_n: %v", err)
			}
		}(s.ctx)

		writeStatus(w, http.StatusAccepted, RunNResponse{Scheduled: addrs})
	}
}

func (s *Server[T, A]) cancelRunNHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		active := s.exp.ThrottledRunActive()
		if active {
			s.exp.CancelThrottledRuns()
		}
		writeJSON(w, map[string]bool{"cancelled": active})
	}
}
