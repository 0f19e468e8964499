package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docforge/docforge/internal/db"
	"github.com/docforge/docforge/internal/logfields"
	"github.com/docforge/docforge/internal/version"
)

// maxWebhookBody bounds notification payloads; their content is discarded
// anyway.
const maxWebhookBody = 1 << 20

type httpServer struct {
	daemon *Daemon
	server *http.Server
	logger *slog.Logger
}

func newHTTPServer(d *Daemon, addr string, registry *prometheus.Registry, logger *slog.Logger) *httpServer {
	s := &httpServer{daemon: d, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/releases/{name}/{version}/status", s.handleReleaseStatus)
	mux.HandleFunc("GET /api/releases/{name}/{version}/builds", s.handleReleaseBuilds)
	mux.HandleFunc("POST "+d.cfg.Daemon.Webhook.Path, s.handleWebhook)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *httpServer) start() error {
	s.logger.Info("http server listening", slog.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *httpServer) shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

type statusResponse struct {
	Version     string      `json:"version"`
	Checkpoint  string      `json:"checkpoint,omitempty"`
	QueueLocked bool        `json:"queue_locked"`
	Pending     int         `json:"pending"`
	Failed      int         `json:"failed"`
	ByPriority  map[int]int `json:"by_priority,omitempty"`
}

func (s *httpServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.daemon.queue.GetCounts(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	locked, err := s.daemon.queue.IsLocked(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	checkpoint, _, err := s.daemon.store.GetConfig(ctx, db.ConfigLastSeenReference)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     version.Version,
		Checkpoint:  checkpoint,
		QueueLocked: locked,
		Pending:     counts.Pending,
		Failed:      counts.Failed,
		ByPriority:  counts.ByPriority,
	})
}

type queueEntryResponse struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Priority    int        `json:"priority"`
	Registry    string     `json:"registry,omitempty"`
	Attempt     int        `json:"attempt"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (s *httpServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.daemon.queue.Entries(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]queueEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, queueEntryResponse{
			Name:        entry.Name,
			Version:     entry.Version,
			Priority:    entry.Priority,
			Registry:    entry.Registry,
			Attempt:     entry.Attempt,
			LastAttempt: entry.LastAttempt,
			ClaimedBy:   entry.ClaimedBy,
			CreatedAt:   entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type releaseStatusResponse struct {
	Name          string     `json:"name"`
	Version       string     `json:"version"`
	Yanked        bool       `json:"yanked"`
	IsLibrary     bool       `json:"is_library"`
	BuildStatus   string     `json:"build_status"`
	LastBuildTime *time.Time `json:"last_build_time,omitempty"`
	DefaultTarget string     `json:"default_target,omitempty"`
	DocTargets    []string   `json:"doc_targets,omitempty"`
	Queued        bool       `json:"queued"`
}

func (s *httpServer) handleReleaseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, ver := r.PathValue("name"), r.PathValue("version")

	release, err := s.daemon.store.GetRelease(ctx, name, ver)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if release == nil {
		http.Error(w, "release not found", http.StatusNotFound)
		return
	}

	resp := releaseStatusResponse{
		Name:          release.PackageName,
		Version:       release.Version,
		Yanked:        release.Yanked,
		IsLibrary:     release.IsLibrary,
		BuildStatus:   string(db.BuildInProgress),
		DefaultTarget: release.DefaultTarget,
		DocTargets:    release.DocTargets,
	}
	status, err := s.daemon.store.GetReleaseStatus(ctx, release.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if status != nil {
		resp.BuildStatus = string(status.BuildStatus)
		resp.LastBuildTime = status.LastBuildTime
	}
	resp.Queued, err = s.daemon.queue.Has(ctx, name, ver)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type buildResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	ToolchainVersion string     `json:"toolchain_version,omitempty"`
	BuilderVersion   string     `json:"builder_version,omitempty"`
	Worker           string     `json:"worker,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func (s *httpServer) handleReleaseBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	release, err := s.daemon.store.GetRelease(ctx, r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if release == nil {
		http.Error(w, "release not found", http.StatusNotFound)
		return
	}
	builds, err := s.daemon.store.BuildsForRelease(ctx, release.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]buildResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, buildResponse{
			ID:               b.ID,
			Status:           string(b.Status),
			ToolchainVersion: b.ToolchainVersion,
			BuilderVersion:   b.BuilderVersion,
			Worker:           b.Worker,
			StartedAt:        b.StartedAt,
			FinishedAt:       b.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWebhook accepts registry push notifications. The body is read only
// for signature verification; its content is untrusted and discarded.
func (s *httpServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if secret := s.daemon.cfg.Daemon.Webhook.Secret; secret != "" {
		header := r.Header.Get("X-Hub-Signature-256")
		if header == "" {
			header = r.Header.Get("X-Signature")
		}
		if !verifySignature(secret, body, header) {
			s.logger.Warn("webhook signature rejected", slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	s.daemon.trigger.Notify()
	w.WriteHeader(http.StatusAccepted)
}

func (s *httpServer) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("http handler error", logfields.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
