package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/monitoring"
	"github.com/sells-group/lead-ingest/internal/store"
	"github.com/sells-group/lead-ingest/internal/uploads"
)

const (
	defaultPreviewRows = 10
	maxPreviewRows     = 100
	shutdownTimeout    = 60 * time.Second
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var servePort int

// api holds the dependencies of the HTTP handlers.
type api struct {
	store     store.Store
	manager   *uploads.Manager
	collector *monitoring.Collector
	lookback  int
	maxBytes  int64
	origins   []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var observers []ingest.Observer
		pub, err := progressPublisher(ctx, cfg)
		if err != nil {
			zap.L().Warn("serve: progress publishing disabled", zap.Error(err))
		} else if pub != nil {
			defer pub.Close() //nolint:errcheck
			observers = append(observers, pub)
		}

		oc := orchestratorConfig(cfg)
		orch := ingest.NewOrchestrator(st, oc)
		manager := uploads.NewManager(orch, cfg.Server.MaxConcurrentUploads, observers...)
		var copts []monitoring.CollectorOption
		if oc.Breaker != nil {
			copts = append(copts, monitoring.WithBreaker(oc.Breaker))
		}
		collector := monitoring.NewCollector(st, manager, copts...)

		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		a := &api{
			store:     st,
			manager:   manager,
			collector: collector,
			lookback:  cfg.Monitoring.LookbackWindowHours,
			maxBytes:  int64(cfg.Server.MaxUploadMB) << 20,
			origins:   cfg.Server.AllowedOrigins,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           a.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return manager.Shutdown(sctx)
	},
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := a.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Upload-User"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/projects", a.listProjects)
	r.Get("/projects/{projectID}", a.getProject)
	r.Post("/projects/{projectID}/uploads", a.createUpload)

	r.Get("/uploads", a.listUploads)
	r.Get("/uploads/{uploadID}", a.getUpload)
	r.Delete("/uploads/{uploadID}", a.cancelUpload)

	r.Post("/preview", a.preview)
	r.Get("/metrics", a.metrics)

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := a.store.ListProjects(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (a *api) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeStoreError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) createUpload(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := a.store.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err, "project not found")
		return
	}

	fileName, contents, err := readUpload(w, r, a.maxBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(contents) == 0 {
		writeJSONError(w, "file is empty", http.StatusBadRequest)
		return
	}

	user := r.Header.Get("X-Upload-User")
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	id, err := a.manager.Start(ingest.Request{
		ProjectID:    projectID,
		FileName:     fileName,
		Contents:     contents,
		UploadUserID: user,
		DryRun:       dryRun,
	})
	switch {
	case errors.Is(err, uploads.ErrProjectBusy):
		writeJSONError(w, "an upload is already running for this project", http.StatusConflict)
		return
	case errors.Is(err, uploads.ErrAtCapacity), errors.Is(err, uploads.ErrClosed):
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, "upload capacity reached, try again shortly", http.StatusServiceUnavailable)
		return
	case err != nil:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "accepted",
	})
}

// readUpload returns the file name and bytes of an upload sent either as a
// multipart "file" field or as the raw request body.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, []byte, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return "", nil, eris.Wrap(err, "read multipart field \"file\"")
		}
		defer file.Close() //nolint:errcheck
		contents, err := io.ReadAll(file)
		return hdr.Filename, contents, err
	}

	contents, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	name := r.URL.Query().Get("file_name")
	if name == "" {
		name = "upload.csv"
		if mediaType == xlsxContentType {
			name = "upload.xlsx"
		}
	}
	return name, contents, nil
}

func (a *api) getUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uploadID")
	if st, err := a.manager.Get(id); err == nil {
		writeJSON(w, http.StatusOK, st)
		return
	}

	rec, err := a.store.GetUpload(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "upload not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) cancelUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uploadID")
	st, err := a.manager.Get(id)
	if err != nil {
		if _, serr := a.store.GetUpload(r.Context(), id); serr == nil {
			writeJSONError(w, "upload already finished", http.StatusConflict)
			return
		}
		writeJSONError(w, "upload not found", http.StatusNotFound)
		return
	}
	if st.Done {
		writeJSONError(w, "upload already finished", http.StatusConflict)
		return
	}
	if err := a.manager.Cancel(id); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

func (a *api) listUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	project := q.Get("project")

	history, err := a.store.ListUploads(r.Context(), store.UploadFilter{
		ProjectID: project,
		State:     model.JobState(q.Get("state")),
		Limit:     limit,
	})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []model.UploadRecord{}
	}

	active := []uploads.Status{}
	for _, s := range a.manager.List() {
		if !s.Done && (project == "" || s.ProjectID == project) {
			active = append(active, s)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":  active,
		"history": history,
	})
}

func (a *api) preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, _ := strconv.Atoi(q.Get("n"))
	if n <= 0 {
		n = defaultPreviewRows
	}
	n = min(n, maxPreviewRows)

	fileName, contents, err := readUpload(w, r, a.maxBytes)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := buildPreview(contents, ingest.DetectFormat(fileName), n, q.Get("project"), r.Header.Get("X-Upload-User"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	lookback := a.lookback
	if h, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && h > 0 {
		lookback = h
	}
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := a.collector.Collect(r.Context(), lookback)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, notFound, http.StatusNotFound)
		return
	}
	writeJSONError(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": strings.TrimSpace(message)})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
