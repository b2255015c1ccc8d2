package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/api/serviceerror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesayf/deployai-sub003/internal/status"
	"github.com/thesayf/deployai-sub003/internal/store"
	"github.com/thesayf/deployai-sub003/internal/workflow"
)

var (
	servePort       int
	serveWithWorker bool
)

// pipelineStarter launches a report pipeline run.
type pipelineStarter func(ctx context.Context, reportID string, force bool) (*workflow.Run, error)

// runStatusser answers workflow status queries.
type runStatusser interface {
	Status(ctx context.Context, workflowID string) (*status.RunStatus, error)
}

// apiServer carries the handler dependencies so the routes are testable
// without a Temporal server.
type apiServer struct {
	store    store.Store
	starter  pipelineStarter
	reporter runStatusser
	validate *validator.Validate
}

func newAPIServer(st store.Store, starter pipelineStarter, reporter runStatusser) *apiServer {
	return &apiServer{
		store:    st,
		starter:  starter,
		reporter: reporter,
		validate: validator.New(),
	}
}

func (s *apiServer) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/reports/{reportID}/generate", s.handleGenerate)
	r.Get("/api/runs/{workflowID}/status", s.handleRunStatus)
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	ReportID string `json:"-" validate:"required,uuid4"`
	Force    bool   `json:"force"`
}

func (s *apiServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := generateRequest{ReportID: chi.URLParam(r, "reportID")}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "reportID must be a UUID")
		return
	}

	if _, err := s.store.GetReport(r.Context(), req.ReportID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		zap.L().Error("report lookup failed", zap.String("report_id", req.ReportID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}

	run, err := s.starter(r.Context(), req.ReportID, req.Force)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			writeError(w, http.StatusConflict, "a run for this report is already open")
			return
		}
		zap.L().Error("start pipeline failed", zap.String("report_id", req.ReportID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start pipeline")
		return
	}

	zap.L().Info("pipeline run started",
		zap.String("report_id", req.ReportID),
		zap.String("workflow_id", run.WorkflowID),
		zap.Bool("force", req.Force),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":      run.RunID,
		"workflowId": run.WorkflowID,
		"status":     "started",
	})
}

func (s *apiServer) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	rs, err := s.reporter.Status(r.Context(), workflowID)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("run status failed", zap.String("workflow_id", workflowID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve run status")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the report pipeline HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := dialTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		starter := func(ctx context.Context, reportID string, force bool) (*workflow.Run, error) {
			return workflow.Start(ctx, tc, cfg.Temporal.TaskQueue, reportID, force)
		}
		api := newAPIServer(env.Store, starter, status.NewReporter(tc))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(cfg.Server.AllowedOrigins),
		}

		g, gctx := errgroup.WithContext(ctx)

		if serveWithWorker {
			w := workflow.NewWorker(tc, cfg.Temporal.TaskQueue, env.Activities)
			zap.L().Info("starting embedded worker", zap.String("task_queue", cfg.Temporal.TaskQueue))
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start worker")
			}
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run a Temporal worker in the same process")
	rootCmd.AddCommand(serveCmd)
}
