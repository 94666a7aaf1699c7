// Package chi is the HTTP transport: the OAI-PMH protocol endpoint and
// the JSON administration API.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/domain"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/repository/sets"
	"github.com/dlmeta/metarepo/internal/usecase/collections"
	"github.com/dlmeta/metarepo/internal/usecase/counters"
	"github.com/dlmeta/metarepo/internal/usecase/oai"
	"github.com/dlmeta/metarepo/internal/usecase/records"
)

type errorCode string

const (
	codeBadRequest    errorCode = "bad_request"
	codeNotFound      errorCode = "not_found"
	codeConflict      errorCode = "conflict"
	codeForbidden     errorCode = "forbidden"
	codeProtectedSet  errorCode = "protected_set"
	codeInternalError errorCode = "internal_error"
)

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// pinger reports document-store health. May be nil for drivers without a
// connection to check.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the use case services to HTTP.
type Server struct {
	engine      *oai.Engine
	records     *records.Manager
	collections *collections.Service
	sets        *sets.Repo
	settings    *admin.Repo
	counters    *counters.Service
	health      pinger
	logger      *zap.Logger

	errorHandlers []errorHandler
}

// NewServer creates the HTTP API server. health may be nil.
func NewServer(
	engine *oai.Engine,
	recs *records.Manager,
	colls *collections.Service,
	setRepo *sets.Repo,
	settings *admin.Repo,
	counts *counters.Service,
	health pinger,
	logger *zap.Logger,
) *Server {
	s := &Server{
		engine:      engine,
		records:     recs,
		collections: colls,
		sets:        setRepo,
		settings:    settings,
		counters:    counts,
		health:      health,
		logger:      logger,
	}
	s.errorHandlers = []errorHandler{
		recordUpdateHandler,
		putCollectionHandler,
		sentinelHandler(domain.ErrProtectedSet, http.StatusForbidden, codeProtectedSet),
		sentinelHandler(domain.ErrSetNotConfigured, http.StatusNotFound, codeNotFound),
		sentinelHandler(domain.ErrRecordNotFound, http.StatusNotFound, codeNotFound),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, codeNotFound),
		sentinelHandler(domain.ErrDuplicateSet, http.StatusConflict, codeConflict),
	}
	return s
}

// Routes mounts all endpoints on r. The mutating administration surface
// sits behind the trusted-IP gate; the protocol and health endpoints do
// not.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/oai", s.OAI)
	r.Post("/oai", s.OAI)

	r.Group(func(r chi.Router) {
		r.Use(TrustedIPMiddleware(s.settings))
		r.Put("/records", s.PutRecord)
		r.Delete("/records/{id}", s.DeleteRecord)
		r.Post("/records/{id}/reindex", s.ReindexRecord)
		r.Get("/collections", s.ListCollections)
		r.Put("/collections", s.PutCollection)
		r.Delete("/collections/{key}", s.DeleteCollection)
		r.Get("/admin/settings", s.GetSettings)
		r.Put("/admin/settings", s.PutSettings)
	})
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type putRecordRequest struct {
	RecordXML  string `json:"recordXml"`
	XMLFormat  string `json:"xmlFormat"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// PutRecord handles PUT /records.
func (s *Server) PutRecord(w http.ResponseWriter, r *http.Request) {
	var req putRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RecordXML == "" || req.XMLFormat == "" || req.Collection == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"recordXml, xmlFormat and collection are required")
		return
	}

	id, err := s.records.PutRecord(r.Context(), req.RecordXML, req.XMLFormat, req.Collection, req.ID, nil, true)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// DeleteRecord handles DELETE /records/{id}.
func (s *Server) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.records.DeleteRecord(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "no record with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// ReindexRecord handles POST /records/{id}/reindex.
func (s *Server) ReindexRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := s.records.ReindexRecord(r.Context(), id, nil, false, true)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": out})
}

type putCollectionRequest struct {
	Key                string `json:"key"`
	XMLFormat          string `json:"xmlFormat"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	AdditionalMetadata string `json:"additionalMetadata"`
}

// PutCollection handles PUT /collections.
func (s *Server) PutCollection(w http.ResponseWriter, r *http.Request) {
	var req putCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.collections.PutCollection(r.Context(),
		req.Key, req.XMLFormat, req.Title, req.Description, req.AdditionalMetadata)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recordId": id})
}

// DeleteCollection handles DELETE /collections/{key}.
func (s *Server) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	warning, err := s.collections.DeleteCollection(r.Context(), key)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	resp := map[string]string{"key": key}
	if warning != "" {
		resp["warning"] = warning
	}
	writeJSON(w, http.StatusOK, resp)
}

type collectionView struct {
	SetSpec     string `json:"setSpec"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Format      string `json:"format"`
	Enabled     bool   `json:"enabled"`
	NumIndexed  int    `json:"numIndexed"`
	NumDeleted  int    `json:"numDeleted"`
	NumErrors   int    `json:"numErrors"`
	NumFiles    int    `json:"numFiles"`
}

// ListCollections handles GET /collections.
func (s *Server) ListCollections(w http.ResponseWriter, r *http.Request) {
	bySet, err := s.counters.BySet(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	list := s.sets.List()
	items := make([]collectionView, 0, len(list))
	for _, si := range list {
		c := bySet[si.SetSpec()]
		items = append(items, collectionView{
			SetSpec:     si.SetSpec(),
			Name:        si.Name(),
			Description: si.Description(),
			Format:      si.Format(),
			Enabled:     si.Enabled(),
			NumIndexed:  c.NumIndexed,
			NumDeleted:  c.NumDeleted,
			NumErrors:   c.NumErrors,
			NumFiles:    c.NumFiles,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetSettings handles GET /admin/settings.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.All())
}

// PutSettings handles PUT /admin/settings.
func (s *Server) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.settings.SetAll(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settings.All())
}

// --- error rendering ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func sentinelHandler(sentinel error, status int, code errorCode) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

// recordUpdateHandler maps failed record mutations to 400. The message is
// carried through; it never contains internals beyond what the caller sent.
func recordUpdateHandler(w http.ResponseWriter, err error) bool {
	var rue *domain.RecordUpdateError
	if !errors.As(err, &rue) {
		return false
	}
	writeError(w, http.StatusBadRequest, codeBadRequest, rue.Error())
	return true
}

func putCollectionHandler(w http.ResponseWriter, err error) bool {
	var pce *domain.PutCollectionError
	if !errors.As(err, &pce) {
		return false
	}
	status := http.StatusBadRequest
	switch pce.Code {
	case domain.CodeCollectionExistsInAnotherFormat:
		status = http.StatusConflict
	case domain.CodeIOError, domain.CodeInternalError:
		status = http.StatusInternalServerError
	}
	writeError(w, status, errorCode(pce.Code), pce.Error())
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			s.logger.Warn("domain error", zap.Error(err))
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
