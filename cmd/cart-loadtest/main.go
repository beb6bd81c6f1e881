// Command cart-loadtest нагружает HTTP API корзины и печатает сводку задержек.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type loadMode string

const (
	modeAdd       loadMode = "add"
	modeAddUpdate loadMode = "add-update"
	modeChurn     loadMode = "churn"
	modeAddRetry  loadMode = "add-retry"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	skuPrefix   string
	items       int
	unitPrice   decimal.Decimal
	reset       bool
	outputPath  string
}

func parseConfig(args []string, output io.Writer) (config, error) {
	fs := flag.NewFlagSet("cart-loadtest", flag.ContinueOnError)
	fs.SetOutput(output)

	var cfg config
	var modeValue, priceValue string

	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "cart HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to execute in count mode; with -duration only an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 16, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeAdd), "load mode: add | add-update | churn | add-retry")
	fs.StringVar(&cfg.skuPrefix, "sku-prefix", "LOAD", "cart item id prefix")
	fs.IntVar(&cfg.items, "items", 50, "number of distinct cart items to rotate through")
	fs.StringVar(&priceValue, "unit-price", "9.99", "unit price of generated items")
	fs.BoolVar(&cfg.reset, "reset", false, "clear the cart before the run")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	price, err := decimal.NewFromString(strings.TrimSpace(priceValue))
	if err != nil {
		return cfg, fmt.Errorf("parse unit-price: %w", err)
	}
	if price.IsNegative() {
		return cfg, errors.New("unit-price must be >= 0")
	}
	cfg.unitPrice = price

	base, err := url.Parse(strings.TrimSpace(cfg.addr))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return cfg, fmt.Errorf("addr must be an absolute URL: %q", cfg.addr)
	}
	cfg.addr = strings.TrimRight(base.String(), "/")

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.items <= 0:
		return cfg, errors.New("items must be > 0")
	case strings.TrimSpace(cfg.skuPrefix) == "":
		return cfg, errors.New("sku-prefix is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeAdd, modeAddUpdate, modeChurn, modeAddRetry:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	result, err := run(context.Background(), cfg, &http.Client{})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	client := newCartClient(cfg.addr, httpClient, cfg.timeout)
	if cfg.reset {
		if _, err := client.clear(ctx); err != nil {
			return report{}, fmt.Errorf("reset cart: %w", err)
		}
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(ctx, client, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}
