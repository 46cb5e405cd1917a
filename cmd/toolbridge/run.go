package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alucardeht/toolbridge/internal/instance"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/service"
	"github.com/alucardeht/toolbridge/internal/telemetry"
	"github.com/alucardeht/toolbridge/internal/watcher"
)

var (
	runMetricsAddr string
	runWatch       bool
	runStdin       bool
	runPIDFile     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the tool host connected and serve requests until interrupted",
	Long: `run keeps one tool host connected with health monitoring enabled.

With --stdin it reads one JSON request per line, {"id":..,"tool":"name","args":{..}},
and writes one JSON response per line. With --metrics-addr it serves Prometheus
metrics on /metrics and the service status on /status.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Listen address for /metrics and /status (disabled when empty)")
	f.BoolVar(&runWatch, "watch", true, "Reload the config file when it changes")
	f.BoolVar(&runStdin, "stdin", false, "Serve JSON-lines tool requests from stdin")
	f.StringVar(&runPIDFile, "pid-file", "", "Refuse to start if another bridge holds this pid file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	log := logger.ForComponent("run")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runPIDFile != "" {
		guard := instance.NewGuard(runPIDFile)
		if err := guard.Acquire(); err != nil {
			return err
		}
		defer guard.Release()
	}

	svc, closeFn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	log.Info("tool host connected", "service", svc.ID())

	if runWatch && configPath != "" {
		w, err := watcher.New(configPath, 0, svc.ReplaceConfig)
		if err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
		log.Info("watching config", "path", configPath)
	}

	var srv *http.Server
	if runMetricsAddr != "" {
		srv = metricsServer(svc, runMetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
				stop()
			}
		}()
		log.Info("serving metrics", "addr", runMetricsAddr)
	}

	if runStdin {
		err = serveLines(ctx, svc, os.Stdin, os.Stdout)
	} else {
		<-ctx.Done()
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	log.Info("shutting down")
	return err
}

func metricsServer(svc *service.Service, addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		telemetry.NewCollector(svc),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Status())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !svc.Connected() {
			http.Error(w, "tool host not connected", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type lineRequest struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type lineResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Level  string          `json:"level,omitempty"`
	Cached bool            `json:"cached,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// serveLines runs each request line concurrently. Responses are written as
// they complete, so callers match them by id.
func serveLines(ctx context.Context, svc *service.Service, in io.Reader, out io.Writer) error {
	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
		enc   = json.NewEncoder(out)
	)
	write := func(resp lineResponse) {
		outMu.Lock()
		defer outMu.Unlock()
		enc.Encode(resp)
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			var req lineRequest
			if err := json.Unmarshal(line, &req); err != nil || req.Tool == "" {
				write(lineResponse{Error: fmt.Sprintf("invalid request line: %s", line)})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				write(handleLine(ctx, svc, req))
			}()
		}
	}
}

func handleLine(ctx context.Context, svc *service.Service, req lineRequest) lineResponse {
	resp := lineResponse{ID: req.ID, Tool: req.Tool}
	res, err := svc.CallTool(ctx, req.Tool, req.Args)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = res.Value
	resp.Level = res.Meta.Level.String()
	resp.Cached = res.Meta.Cached
	return resp
}
