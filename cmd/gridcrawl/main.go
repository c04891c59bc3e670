// Command gridcrawl runs the share crawler against a local directory tree
// of prefix directories (as written by gridencode), reporting each bucket
// visited and its cycle-completion progress. It does not interpret the
// contents of a bucket: listing prefix and bucket directory names is the
// whole of its responsibility, matching the crawler's own scope.
//
// Usage:
//
//	gridcrawl --dir DIR [flags]
//
// Flags:
//
//	--dir              root directory containing prefix subdirectories (required)
//	--allowed-cpu      target fraction of wall-clock time spent working (default: 0.10)
//	--cpu-slice        wall-clock duration of one working slice (default: 1s)
//	--min-cycle-time   floor on the sleep between cycles (default: 60s)
//	--state            statefile path (default: <dir>/.gridcrawl-state.json)
//	--metrics-addr     if set, serve Prometheus-format metrics on this address
//	--report-interval  how often to log a metrics snapshot (default: 30s)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridstore/gridstore/crawler"
	"github.com/gridstore/gridstore/metrics"
)

// logReportBackend exports a metrics snapshot to the process log; it
// implements metrics.ReportBackend.
type logReportBackend struct{}

func (logReportBackend) Report(snap map[string]float64) error {
	log.Printf("metrics report: %v", snap)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// dirLister lists bucket directory names under one prefix directory by
// reading the filesystem directly; it does not parse bucket contents.
type dirLister struct {
	root string
}

func (d dirLister) ListBuckets(prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, prefix))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func run(args []string) int {
	fs := flag.NewFlagSet("gridcrawl", flag.ContinueOnError)
	dir := fs.String("dir", "", "root directory containing prefix subdirectories")
	allowedCPU := fs.Float64("allowed-cpu", 0.10, "target fraction of wall-clock time spent working")
	cpuSlice := fs.Duration("cpu-slice", time.Second, "wall-clock duration of one working slice")
	minCycleTime := fs.Duration("min-cycle-time", 60*time.Second, "floor on the sleep between cycles")
	statePath := fs.String("state", "", "statefile path (default: <dir>/.gridcrawl-state.json)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus-format metrics on this address")
	reportInterval := fs.Duration("report-interval", 30*time.Second, "how often to log a metrics snapshot")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "gridcrawl: --dir is required")
		return 2
	}
	if *statePath == "" {
		*statePath = filepath.Join(*dir, ".gridcrawl-state.json")
	}

	sm := metrics.NewSystemMetrics()

	var c *crawler.Crawler
	processBucket := func(cycle uint64, prefix, bucket string) error {
		log.Printf("cycle %d: visited %s/%s", cycle, prefix, bucket)
		return nil
	}
	finishedCycle := func(cycle uint64) {
		log.Printf("cycle %d complete", cycle)
	}

	var err error
	c, err = crawler.New(crawler.Config{
		AllowedCPUPercentage: *allowedCPU,
		CPUSlice:             *cpuSlice,
		MinimumCycleTime:     *minCycleTime,
		StatePath:            *statePath,
	}, dirLister{root: *dir}, processBucket, finishedCycle)
	if err != nil {
		log.Printf("create crawler: %v", err)
		return 1
	}

	sm.SetCrawlCycleFunc(func() uint64 {
		state := c.GetState()
		if state.CurrentCycle != nil {
			return *state.CurrentCycle
		}
		if state.LastCycleFinished != nil {
			return *state.LastCycleFinished
		}
		return 0
	})
	sm.SetCrawlProgressFunc(func() float64 {
		return c.Progress().PercentComplete
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, stopping after the in-flight slice", sig)
		cancel()
	}()

	if *metricsAddr != "" {
		exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
		srv := &http.Server{Addr: *metricsAddr, Handler: exporter.Handler()}
		go func() {
			log.Printf("serving metrics on %s%s", *metricsAddr, metrics.DefaultPrometheusConfig().Path)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	reporter := metrics.NewMetricsReporter(*reportInterval)
	reporter.RegisterBackend("log", logReportBackend{})
	reporter.Start()
	defer reporter.Stop()
	go func() {
		ticker := time.NewTicker(*reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, v := range metrics.DefaultRegistry.Snapshot() {
					if n, ok := v.(int64); ok {
						reporter.RecordMetric(name, float64(n))
					}
				}
				reporter.RecordMetric("crawler.bucket_rate_1m", c.BucketRate())
				reporter.RecordMetric("crawler.cpu_usage_percent", c.CPUUsagePercent())
			}
		}
	}()

	log.Printf("crawling %s (allowed_cpu=%.2f rate_gauge=%v cpu_slice=%s min_cycle_time=%s state=%s)",
		*dir, *allowedCPU, c.AllowedCPURate(), *cpuSlice, *minCycleTime, *statePath)

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("crawl failed: %v", err)
		return 1
	}

	summary, _ := sm.ExportJSON()
	log.Printf("stopped; last known state: %s", summary)
	return 0
}
