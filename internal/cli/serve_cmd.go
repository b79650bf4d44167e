package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/pipeline"
	"github.com/nhle/maildigest/internal/sync"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on a schedule",
		Long: `Run fetch, score and summarize on their configured intervals until
interrupted, serving Prometheus metrics on /metrics and job states on
/healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := a.runner(ctx, true)
			if err != nil {
				return err
			}
			locker, err := a.lockBackend(ctx)
			if err != nil {
				return err
			}

			sched := sync.New(locker, a.logger)
			for _, job := range pipelineJobs(a, r) {
				if err := sched.Register(job); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              a.cfg.Metrics.Addr,
				Handler:           newServeMux(sched),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				a.logger.Info("serving metrics", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server stopped", zap.Error(err))
				}
			}()

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			a.logger.Info("shutting down")
			sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func pipelineJobs(a *app, r *pipeline.Runner) []sync.Job {
	every := func(sec int) time.Duration { return time.Duration(sec) * time.Second }
	return []sync.Job{
		{
			Name:     "fetch",
			Interval: every(a.cfg.Fetch.IntervalSec),
			Run: func(ctx context.Context) error {
				_, err := r.RunFetch(ctx)
				return err
			},
		},
		{
			Name:     "score",
			Interval: every(a.cfg.Scoring.IntervalSec),
			Run: func(ctx context.Context) error {
				_, err := r.RunScore(ctx)
				return err
			},
		},
		{
			Name:     "summarize",
			Interval: every(a.cfg.Summary.IntervalSec),
			Run: func(ctx context.Context) error {
				_, err := r.RunSummarize(ctx)
				return err
			},
		},
	}
}

type jobHealth struct {
	Job         string     `json:"job"`
	State       string     `json:"state"`
	Runs        int        `json:"runs"`
	Skipped     int        `json:"skipped"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type healthReport struct {
	Status string      `json:"status"`
	Jobs   []jobHealth `json:"jobs"`
}

func newServeMux(sched *sync.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := healthReport{Status: "ok"}
		for _, st := range sched.Statuses() {
			jh := jobHealth{
				Job:     st.Job,
				State:   st.State.String(),
				Runs:    st.Runs,
				Skipped: st.Skipped,
			}
			if !st.LastRun.IsZero() {
				jh.LastRun = &st.LastRun
			}
			if !st.LastSuccess.IsZero() {
				jh.LastSuccess = &st.LastSuccess
			}
			if st.Error != nil {
				jh.Error = st.Error.Error()
				report.Status = "degraded"
			}
			report.Jobs = append(report.Jobs, jh)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}
