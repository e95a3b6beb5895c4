// Package httpapi exposes the portal over HTTP: login, archive uploads and
// the table browser.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"labportal/internal/auth"
	"labportal/internal/catalog"
	"labportal/internal/core"
	"labportal/internal/ingest"
	"labportal/pkg/domain"
)

const sessionCookieName = "labportal_session"

// multipartMemory is the part of a multipart body kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

type contextKey string

const sessionKey contextKey = "session"

// Uploads runs one archive ingestion.
type Uploads interface {
	Upload(ctx context.Context, req ingest.Request) (ingest.Report, error)
}

// Tables reads the browsable tables.
type Tables interface {
	Tables() []domain.Table
	Browse(ctx context.Context, name string, limit int) (domain.TableView, error)
}

// Dependencies wires the router.
type Dependencies struct {
	Sessions *auth.SessionManager
	Uploads  Uploads
	Tables   Tables
	Logger   core.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// MaxUploadBytes caps the request body of an upload.
	MaxUploadBytes int64
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

// Handler holds the route handlers.
type Handler struct {
	deps Dependencies
}

// NewRouter builds the portal router.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = core.NoopLogger()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = ingest.DefaultMaxArchiveBytes
	}
	h := &Handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/login", h.handleLogin)
		api.Group(func(authed chi.Router) {
			authed.Use(h.requireSession)
			authed.Post("/logout", h.handleLogout)
			authed.Get("/session", h.handleSession)
			authed.Post("/uploads", h.handleUpload)
			authed.Get("/tables", h.handleListTables)
			authed.Get("/tables/{table}", h.handleBrowse)
		})
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookieName)
		if err != nil || c.Value == "" {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		session, err := h.deps.Sessions.Lookup(c.Value)
		if err != nil {
			clearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (auth.Session, bool) {
	s, ok := ctx.Value(sessionKey).(auth.Session)
	return s, ok
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid login payload")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}

	session, err := h.deps.Sessions.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.deps.Logger.Info("login rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.deps.Logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	h.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s, ok := sessionFromContext(r.Context()); ok {
		h.deps.Sessions.Revoke(s.Token)
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	s, _ := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"session": s})
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.deps.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := ingest.Request{
		Uploader:    r.PostForm.Get("uploader"),
		Description: r.PostForm.Get("description"),
	}
	if file, header, err := r.FormFile("archive"); err == nil {
		defer func() { _ = file.Close() }()
		req.Archive = file
		req.ArchiveName = header.Filename
	}

	report, err := h.deps.Uploads.Upload(r.Context(), req)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "upload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (h *Handler) handleListTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tables": h.deps.Tables.Tables()})
}

func (h *Handler) handleBrowse(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	view, err := h.deps.Tables.Browse(r.Context(), chi.URLParam(r, "table"), limit)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownTable) {
			writeError(w, http.StatusNotFound, "table not found")
			return
		}
		h.deps.Logger.Error("browse failed", "table", chi.URLParam(r, "table"), "error", err)
		writeError(w, http.StatusInternalServerError, "browse failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, s auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.deps.SecureCookies,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
