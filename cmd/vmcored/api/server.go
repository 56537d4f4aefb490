// Package api is a minimal operator-facing debug HTTP surface over a
// vmcontrol.VmControl backend: health, VM listing, and VMM-specific calls.
// It is not the primary interface this core exposes -- that is the
// vmcontrol.VmControl Go interface itself, consumed in-process by a node
// manager -- but gives an operator a way to inspect supervisor state
// without attaching a debugger.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/tashi-project/vmcore/lib/logger"
	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

func parseVmId(s string) (int, error) {
	vmId, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid vmId %q: %w", s, err)
	}
	return vmId, nil
}

// Server wraps a vmcontrol.VmControl with an HTTP debug surface.
type Server struct {
	control vmcontrol.VmControl
	router  chi.Router
}

// NewServer builds the chi router. serviceName is used as otelchi's span
// name prefix.
func NewServer(control vmcontrol.VmControl, serviceName string) *Server {
	s := &Server{control: control}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/vms", s.handleListVMs)
	r.Post("/vms/{vmId}/vmm/{call}", s.handleVmmCall)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	vmIds, err := s.control.ListVMs(ctx)
	if err != nil {
		log.ErrorContext(ctx, "list vms failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vmIds": vmIds})
}

func (s *Server) handleVmmCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	vmIdStr := chi.URLParam(r, "vmId")
	call := chi.URLParam(r, "call")

	vmId, err := parseVmId(vmIdStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reply, err := s.control.VmmSpecificCall(ctx, vmId, call)
	if err != nil {
		log.WarnContext(ctx, "vmm-specific call failed", "vmId", vmId, "call", call, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
