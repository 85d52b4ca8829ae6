package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/planset/export"
	"github.com/hazyhaar/planset/httpapi"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/observability"
	"github.com/hazyhaar/planset/pipeline"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/takeoff"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- serve ---

var serveOpts struct {
	listen    string
	noWorker  bool
	rateLimit int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and MCP endpoint and run the background job worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireInference(); err != nil {
			return err
		}
		listen := a.cfg.Listen
		if serveOpts.listen != "" {
			listen = serveOpts.listen
		}

		if a.metrics != nil {
			heartbeat := observability.NewHeartbeatWriter(a.obsDB, "planset", 15*time.Second)
			heartbeat.Start(ctx)
			defer heartbeat.Stop()
		}

		if !serveOpts.noWorker {
			go func() {
				a.log.Info("job worker starting", "workers", a.cfg.Jobs.Workers)
				if err := a.orch.Work(ctx); err != nil {
					a.log.Error("job worker", "error", err)
				}
			}()
		}
		go a.retention(ctx)

		h, err := httpapi.New(httpapi.Config{
			Service:    a.svc,
			MCP:        a.mcpServer(),
			RateLimit:  httpapi.RateLimit{MaxRequests: serveOpts.rateLimit, Window: time.Minute},
			RequestIDs: idgen.Prefixed("req_", idgen.Default),
			Logger:     a.log,
		})
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              listen,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Shutdown(shutdown)
		}()

		a.log.Info("planset listening", "addr", listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

// --- run ---

var runOpts struct {
	urls          []string
	planID        string
	project       string
	location      string
	buildingType  string
	notes         string
	askQuestions  bool
	pageBatchSize int
	maxParallel   int
	currency      string
	policy        string
	xlsx          string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a takeoff to completion and print the four-array result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireInference(); err != nil {
			return err
		}

		ask := runOpts.askQuestions
		res := a.svc.Start(ctx, pipeline.StartRequest{
			PDFURLs: runOpts.urls,
			PlanID:  runOpts.planID,
			JobContext: scoping.JobContext{
				ProjectName:  runOpts.project,
				Location:     runOpts.location,
				BuildingType: runOpts.buildingType,
				Notes:        runOpts.notes,
			},
			AskScopingQuestions: &ask,
			PageBatchSize:       runOpts.pageBatchSize,
			MaxParallelBatches:  runOpts.maxParallel,
			Currency:            runOpts.currency,
			UnitCostPolicy:      runOpts.policy,
		})
		if runOpts.xlsx != "" && !res.Failed() {
			if err := writeWorkbook(runOpts.xlsx, res, runOpts.project); err != nil {
				return err
			}
			a.log.Info("workbook written", "path", runOpts.xlsx)
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Failed() {
			return errors.New(res.RunLog[0].Message)
		}
		return nil
	},
}

// --- ingest ---

var ingestPlanID string

var ingestCmd = &cobra.Command{
	Use:   "ingest [pdf-url...]",
	Short: "Register a plan and ingest it without running inference",
	Long: "Fetches, extracts, indexes and chunks the documents of a plan. With no URLs the\n" +
		"plan named by --plan-id is re-ingested from its registered documents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		planID := ingestPlanID
		if len(args) > 0 {
			p, err := a.svc.RegisterPlan(ctx, planID, args)
			if err != nil {
				return err
			}
			planID = p.ID
		} else if planID == "" {
			return errors.New("give pdf urls or --plan-id")
		}
		res, err := a.svc.Ingest(ctx, planID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job's state, batch counts and metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.svc.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

// --- export ---

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's merged result as an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobID := args[0]
		r, err := a.svc.Result(ctx, jobID)
		if err != nil {
			return err
		}
		if r.Result == nil {
			return fmt.Errorf("job %s: %s", jobID, r.Message)
		}
		out := exportOut
		if out == "" {
			out = "takeoff-" + jobID + ".xlsx"
		}
		if err := writeWorkbook(out, *r.Result, "Takeoff "+jobID); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func writeWorkbook(path string, res takeoff.Result, title string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.Write(f, res, export.Options{Title: title}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.listen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveOpts.noWorker, "no-worker", false, "serve without the background job worker")
	serveCmd.Flags().IntVar(&serveOpts.rateLimit, "rate-limit", 120, "requests per minute per client IP on /v1 (0 disables)")

	f := runCmd.Flags()
	f.StringArrayVarP(&runOpts.urls, "url", "u", nil, "PDF URL (repeatable; http, https, file or obj)")
	f.StringVar(&runOpts.planID, "plan-id", "", "reuse a registered plan")
	f.StringVar(&runOpts.project, "project", "", "project name")
	f.StringVar(&runOpts.location, "location", "", "project location")
	f.StringVar(&runOpts.buildingType, "building-type", "", "building type")
	f.StringVar(&runOpts.notes, "notes", "", "free-form job notes")
	f.BoolVar(&runOpts.askQuestions, "ask-questions", true, "stop with scoping questions when the context is incomplete")
	f.IntVar(&runOpts.pageBatchSize, "page-batch-size", 0, "pages per chunk (config default when 0)")
	f.IntVar(&runOpts.maxParallel, "max-parallel", 0, "concurrent batches (config default when 0)")
	f.StringVar(&runOpts.currency, "currency", "", "ISO 4217 currency (config default when empty)")
	f.StringVar(&runOpts.policy, "cost-policy", "", "unit cost policy: estimate, lookup or mixed")
	f.StringVar(&runOpts.xlsx, "xlsx", "", "also write the result workbook to this path")

	ingestCmd.Flags().StringVar(&ingestPlanID, "plan-id", "", "plan id to register or re-ingest")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default takeoff-<job-id>.xlsx)")
}
