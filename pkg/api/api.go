// Package api implements the admin HTTP surface (C11): job control for
// staging and replication, garbage-collection triggers, and JSON CRUD for
// folders, local users, and external registries. It is mounted alongside
// the raw registry proxy, not in front of it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/portalcrane/portalcrane/pkg/audit"
	"github.com/portalcrane/portalcrane/pkg/auth"
	"github.com/portalcrane/portalcrane/pkg/gitnote"
	"github.com/portalcrane/portalcrane/pkg/lifecycle"
	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/replicate"
	"github.com/portalcrane/portalcrane/pkg/staging"
	"github.com/portalcrane/portalcrane/pkg/store"
	"github.com/portalcrane/portalcrane/pkg/util"
)

// Server wires every core component into a chi router exposing the admin
// API under /api and the raw registry proxy under /v2 (mounted by the
// caller; see main.go for wiring).
type Server struct {
	Resolver   *auth.Resolver
	Users      *store.UserStore
	Folders    *store.FolderStore
	Registries *store.RegistryStore
	Staging    *staging.Engine
	Replicate  *replicate.Engine
	Lifecycle  *lifecycle.Controller
	Audit      *audit.Sink
	GitNote    *gitnote.Notebook // nil when no git-audit-note directory is configured

	AccessTokenExpiry time.Duration
	SecretKey         string
}

// Router builds the chi router for the admin API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Post("/api/staging/pull", s.handleStagingPull)
		r.Get("/api/staging/jobs", s.handleStagingList)
		r.Get("/api/staging/jobs/{jobID}", s.handleStagingGet)
		r.Delete("/api/staging/jobs/{jobID}", s.handleStagingDelete)
		r.Post("/api/staging/jobs/{jobID}/push", s.handleStagingPush)
		r.Get("/api/staging/orphans", s.handleOrphanList)
		r.Post("/api/staging/orphans/purge", s.handleOrphanPurge)

		r.Post("/api/sync", s.handleSyncStart)
		r.Get("/api/sync/jobs", s.handleSyncList)
		r.Get("/api/sync/jobs/{jobID}", s.handleSyncGet)

		r.Post("/api/gc", s.handleGCRun)
		r.Get("/api/gc", s.handleGCState)
		r.Get("/api/gc/ghosts", s.handleGhostList)
		r.Delete("/api/gc/ghosts/{name}", s.handleGhostPurge)

		r.Get("/api/folders", s.handleFolderList)
		r.Post("/api/folders", s.handleFolderCreate)
		r.Put("/api/folders/{folderID}/permissions", s.handleFolderSetPermission)

		r.Get("/api/users", s.handleUserList)
		r.Post("/api/users", s.handleUserCreate)
		r.Delete("/api/users/{userID}", s.handleUserDelete)

		r.Get("/api/registries", s.handleRegistryList)
		r.Post("/api/registries", s.handleRegistryCreate)
		r.Delete("/api/registries/{registryID}", s.handleRegistryDelete)

		r.Get("/api/audit", s.handleAuditRecent)
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log(r.Context(), slog.LevelInfo, "admin api request", logger.Component("api"),
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()), slog.Duration("elapsed", time.Since(start)))
	})
}

type principalKey struct{}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		principal, ok := s.Resolver.Authenticate(header)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !principal.IsAdmin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) model.Principal {
	p, _ := r.Context().Value(principalKey{}).(model.Principal)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr maps a util.KindError (or any error) to the right HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	var kerr *util.KindError
	if errors.As(err, &kerr) {
		writeError(w, statusForKind(kerr.Kind), kerr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func statusForKind(k util.Kind) int {
	switch k {
	case util.KindUnauthenticated:
		return http.StatusUnauthorized
	case util.KindForbidden:
		return http.StatusForbidden
	case util.KindValidation:
		return http.StatusBadRequest
	case util.KindNotFound:
		return http.StatusNotFound
	case util.KindConflict:
		return http.StatusConflict
	case util.KindUpstreamUnreachable:
		return http.StatusServiceUnavailable
	case util.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case util.KindToolFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if _, _, ok := auth.DecodeBasicAuth(header); !ok {
		writeError(w, http.StatusUnauthorized, "Basic credentials required")
		return
	}
	principal, ok := s.Resolver.Authenticate(header)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := auth.IssueToken(s.SecretKey, principal.Username, s.AccessTokenExpiry)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleStagingPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image       string             `json:"image"`
		Tag         string             `json:"tag"`
		SrcUsername string             `json:"src_username"`
		SrcPassword string             `json:"src_password"`
		Overrides   model.JobOverrides `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.Staging.Pull(r.Context(), staging.PullRequest{
		Image: req.Image, Tag: req.Tag,
		SrcUsername: req.SrcUsername, SrcPassword: req.SrcPassword,
		Overrides: req.Overrides,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStagingList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Staging.ListJobs())
}

func (s *Server) handleStagingGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.Staging.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStagingDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Staging.DeleteJob(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStagingPush(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		TargetImage  string `json:"target_image"`
		TargetTag    string `json:"target_tag"`
		Folder       string `json:"folder"`
		ExternalHost string `json:"external_host"`
		ExternalUser string `json:"external_user"`
		ExternalPass string `json:"external_pass"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err = s.Staging.Push(r.Context(), staging.PushRequest{
		JobID: id, TargetImage: req.TargetImage, TargetTag: req.TargetTag, Folder: req.Folder,
		ExternalHost: req.ExternalHost, ExternalUser: req.ExternalUser, ExternalPass: req.ExternalPass,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOrphanList(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.Staging.ListOrphans()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

func (s *Server) handleOrphanPurge(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Staging.PurgeOrphans()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source         model.SyncSource `json:"source"`
		DestRegistryID string           `json:"dest_registry_id"`
		DestHost       string           `json:"dest_host"`
		DestUsername   string           `json:"dest_username"`
		DestPassword   string           `json:"dest_password"`
		DestFolder     string           `json:"dest_folder"`
		SrcUsername    string           `json:"src_username"`
		SrcPassword    string           `json:"src_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	destHost, destUser, destPass := req.DestHost, req.DestUsername, req.DestPassword
	if req.DestRegistryID != "" {
		reg, ok := s.Registries.Get(req.DestRegistryID)
		if !ok {
			writeError(w, http.StatusNotFound, "external registry not found")
			return
		}
		destHost, destUser, destPass = reg.Host, reg.Username, reg.Password
	}

	job, err := s.Replicate.Start(r.Context(), replicate.StartRequest{
		Source: req.Source, DestHost: destHost, DestUsername: destUser, DestPassword: destPass,
		DestRegistryID: req.DestRegistryID, DestFolder: req.DestFolder,
		SrcUsername: req.SrcUsername, SrcPassword: req.SrcPassword,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSyncList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Replicate.ListJobs())
}

func (s *Server) handleSyncGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.Replicate.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	if s.Lifecycle.State().Status == model.GCRunning {
		writeError(w, http.StatusConflict, "garbage collection already running")
		return
	}
	go func() {
		ctx := context.Background()
		err := s.Lifecycle.RunGC(ctx)
		if s.GitNote != nil {
			if noteErr := s.GitNote.RecordGC(s.Lifecycle.State()); noteErr != nil {
				logger.Log(ctx, slog.LevelWarn, "failed to record GC history note", logger.Component("api"), logger.Err(noteErr))
			}
		}
		if err != nil {
			logger.Log(ctx, slog.LevelError, "garbage collection run failed", logger.Component("api"), logger.Err(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGCState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Lifecycle.State())
}

func (s *Server) handleGhostList(w http.ResponseWriter, r *http.Request) {
	ghosts, err := s.Lifecycle.ListGhostRepositories(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ghosts)
}

func (s *Server) handleGhostPurge(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Lifecycle.PurgeGhostRepository(name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Folders.List())
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name, err := util.ValidateFolderPath(req.Name)
	if err != nil || name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "folder name must be a single path segment")
		return
	}
	folder, err := s.Folders.Create(model.Folder{Name: name, Description: req.Description, CreatedAt: time.Now().UTC()})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleFolderSetPermission(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "folderID")
	var perm model.FolderPermission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.Folders.SetPermission(folderID, perm); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Users.List())
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		IsAdmin       bool   `json:"is_admin"`
		CanPullImages bool   `json:"can_pull_images"`
		CanPushImages bool   `json:"can_push_images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	user, err := s.Users.Create(model.LocalUser{
		Username: req.Username, PasswordHash: hash, IsAdmin: req.IsAdmin,
		CanPullImages: req.CanPullImages, CanPushImages: req.CanPushImages,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.Users.Delete(userID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registries.List())
}

func (s *Server) handleRegistryCreate(w http.ResponseWriter, r *http.Request) {
	var req model.ExternalRegistry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.CreatedAt = time.Now().UTC()
	reg, err := s.Registries.Create(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleRegistryDelete(w http.ResponseWriter, r *http.Request) {
	registryID := chi.URLParam(r, "registryID")
	if err := s.Registries.Delete(registryID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	events, err := s.Audit.Recent(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func parseJobID(r *http.Request, param string) (string, error) {
	id := chi.URLParam(r, param)
	if u, err := uuid.Parse(id); err != nil || u.Version() != 4 {
		return "", errors.New("job id must be a valid UUIDv4")
	}
	return id, nil
}
