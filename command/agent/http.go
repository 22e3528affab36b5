// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for a handler. The surface is
// read-only, so this is safe.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer exposes the read-only introspection surface over HTTP.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer starts the introspection listener for the agent.
func NewHTTPServer(agent *Agent, config *Config, logger hclog.Logger) (*HTTPServer, error) {
	addr := fmt.Sprintf("%s:%d", config.BindAddr, config.Ports.HTTP)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &HTTPServer{
		agent:    agent,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	srv.registerHandlers()

	go func() {
		httpServer := &http.Server{
			Addr:    srv.Addr,
			Handler: allowCORS.Handler(srv.mux),
		}
		httpServer.Serve(ln)
	}()
	return srv, nil
}

// Shutdown closes the listener.
func (s *HTTPServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/v1/introspect/worker", s.wrap(s.workerRequest))
	s.mux.HandleFunc("/v1/introspect/jobs", s.wrap(s.jobsRequest))
	s.mux.HandleFunc("/v1/introspect/jobs/", s.wrap(s.jobRequest))
}

// codedError carries an HTTP status with an error.
type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func newCodedError(code int, msg string) error {
	return &codedError{code: code, msg: msg}
}

// wrap adapts an introspection handler into an http.HandlerFunc with JSON
// encoding and error mapping.
func (s *HTTPServer) wrap(handler func(r *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, ErrInvalidMethod, http.StatusMethodNotAllowed)
			return
		}

		obj, err := handler(r)
		if err != nil {
			code := http.StatusInternalServerError
			if coded, ok := err.(*codedError); ok {
				code = coded.code
			}
			s.logger.Debug("request failed", "path", r.URL.Path, "code", code, "error", err)
			http.Error(w, err.Error(), code)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(obj); err != nil {
			s.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
		}
	}
}

func (s *HTTPServer) workerRequest(r *http.Request) (interface{}, error) {
	return s.agent.Supervisor().Snapshot().Worker, nil
}

func (s *HTTPServer) jobsRequest(r *http.Request) (interface{}, error) {
	return s.agent.Supervisor().Snapshot().Jobs, nil
}

func (s *HTTPServer) jobRequest(r *http.Request) (interface{}, error) {
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/introspect/jobs/")
	if jobID == "" {
		return nil, newCodedError(http.StatusBadRequest, "missing job id")
	}
	snap, ok := s.agent.Supervisor().JobSnapshot(jobID)
	if !ok {
		return nil, newCodedError(http.StatusNotFound, fmt.Sprintf("job %q not tracked", jobID))
	}
	return snap, nil
}
