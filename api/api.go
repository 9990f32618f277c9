// Copyright 2021 The modbus-gateway Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the management interface: slave and source CRUD
// plus a websocket stream of change notifications. There is deliberately
// no authentication layer.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/regbridge/modbus-gateway/slave"
)

// Server serves the management API for one Manager.
type Server struct {
	manager *slave.Manager
	hub     *Hub
	logger  log.Logger
}

// New builds the management API server.
func New(manager *slave.Manager, hub *Hub, logger log.Logger) *Server {
	return &Server{manager: manager, hub: hub, logger: logger}
}

// Routes returns the /v1 router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Get("/slaves", s.listSlaves)
		r.Post("/slaves", s.addSlave)
		r.Route("/slaves/{key}", func(r chi.Router) {
			r.Get("/", s.getSlave)
			r.Patch("/", s.patchSlave)
			r.Delete("/", s.removeSlave)
			r.Post("/sources", s.addSource)
			r.Route("/sources/{address}", func(r chi.Router) {
				r.Patch("/", s.patchSource)
				r.Delete("/", s.removeSource)
			})
		})
		r.Get("/events", s.hub.ServeHTTP)
	})

	return r
}

type slaveRequest struct {
	ID   uint8  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p *slaveRequest) Bind(r *http.Request) error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// sourceRequest mirrors the add-source dictionary: Name, Type, Unit,
// Address, PollingInterval (milliseconds). A missing Address stays the
// unset sentinel so validation can tell "absent" from any real register.
type sourceRequest struct {
	Name            string  `json:"Name"`
	Type            string  `json:"Type"`
	Unit            string  `json:"Unit"`
	Address         *uint16 `json:"Address"`
	PollingInterval *int64  `json:"PollingInterval"`
}

func (p *sourceRequest) Bind(r *http.Request) error {
	return nil
}

func (p *sourceRequest) toRequest() slave.AddSourceRequest {
	req := slave.AddSourceRequest{
		Name:    p.Name,
		Type:    p.Type,
		Unit:    p.Unit,
		Address: slave.AddressUnset,
	}
	if p.Address != nil {
		req.Address = *p.Address
	}
	if p.PollingInterval != nil {
		req.Interval = time.Duration(*p.PollingInterval) * time.Millisecond
	}
	return req
}

type patchSlaveRequest struct {
	Name string `json:"name"`
}

func (p *patchSlaveRequest) Bind(r *http.Request) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type patchSourceRequest struct {
	PollingInterval int64 `json:"PollingInterval"`
}

func (p *patchSourceRequest) Bind(r *http.Request) error {
	if p.PollingInterval <= 0 {
		return errors.New("PollingInterval must be positive")
	}
	return nil
}

type pathResponse struct {
	Path string `json:"path"`
}

func (s *Server) listSlaves(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.manager.ListSlaves())
}

func (s *Server) addSlave(w http.ResponseWriter, r *http.Request) {
	data := &slaveRequest{}
	if err := render.Bind(r, data); err != nil {
		s.renderError(w, r, &slave.ConfigError{Err: err})
		return
	}

	key, err := s.manager.AddSlave(data.ID, data.Name, data.URL)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	w.Header().Set("Location", slavePath(key))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, pathResponse{Path: slavePath(key)})
}

func (s *Server) getSlave(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetSlave(chi.URLParam(r, "key"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, snap)
}

func (s *Server) patchSlave(w http.ResponseWriter, r *http.Request) {
	data := &patchSlaveRequest{}
	if err := render.Bind(r, data); err != nil {
		s.renderError(w, r, &slave.ConfigError{Err: err})
		return
	}

	key := chi.URLParam(r, "key")
	if err := s.manager.SetSlaveName(key, data.Name); err != nil {
		s.renderError(w, r, err)
		return
	}

	snap, err := s.manager.GetSlave(key)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, snap)
}

func (s *Server) removeSlave(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveSlave(chi.URLParam(r, "key")); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	data := &sourceRequest{}
	if err := render.Bind(r, data); err != nil {
		s.renderError(w, r, &slave.ConfigError{Err: err})
		return
	}

	key := chi.URLParam(r, "key")
	req := data.toRequest()
	if err := s.manager.AddSource(key, req, true); err != nil {
		s.renderError(w, r, err)
		return
	}

	path := sourcePath(key, req.Address)
	w.Header().Set("Location", path)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, pathResponse{Path: path})
}

func (s *Server) patchSource(w http.ResponseWriter, r *http.Request) {
	data := &patchSourceRequest{}
	if err := render.Bind(r, data); err != nil {
		s.renderError(w, r, &slave.ConfigError{Err: err})
		return
	}

	address, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	key := chi.URLParam(r, "key")
	interval := time.Duration(data.PollingInterval) * time.Millisecond
	if err := s.manager.SetSourceInterval(key, address, interval); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	if err := s.manager.RemoveSource(chi.URLParam(r, "key"), address); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// parseAddress accepts decimal and 0x-hex register addresses.
func parseAddress(text string) (uint16, error) {
	address, err := strconv.ParseUint(text, 0, 16)
	if err != nil {
		return 0, &slave.ConfigError{Err: fmt.Errorf("invalid address %q", text)}
	}
	return uint16(address), nil
}

func slavePath(key string) string {
	return "/v1/slaves/" + key
}

func sourcePath(key string, address uint16) string {
	return fmt.Sprintf("/v1/slaves/%s/sources/0x%04x", key, address)
}

type errResponse struct {
	StatusCode int    `json:"-"`
	Error      string `json:"error"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// renderError maps the error taxonomy onto HTTP statuses: unknown
// entities 404, duplicate addresses 409, other config errors 400,
// anything else 500.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, slave.ErrUnknownSlave), errors.Is(err, slave.ErrUnknownSource):
		status = http.StatusNotFound
	case errors.Is(err, slave.ErrDuplicateAddress):
		status = http.StatusConflict
	case slave.IsConfigError(err):
		status = http.StatusBadRequest
	default:
		level.Error(s.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	}
	render.Render(w, r, &errResponse{StatusCode: status, Error: err.Error()})
}
