package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/client"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/notify"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/repository"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/steps"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
)

type recoveryConfig struct {
	DBURL           string
	Timeout         time.Duration
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	ReportPath      string
	Cron            string
	StoreHistory    bool

	WalletURL     string
	InvestURL     string
	BonusURL      string
	LedgerURL     string
	InternalToken string
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (recoveryConfig, error) {
	fs := flag.NewFlagSet("recovery", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg recoveryConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Minute, "processing age after which a saga counts as orphaned")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when sagas need manual resolution")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for manual resolution alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for manual resolution alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled recovery runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store recovery history in database")
	fs.StringVar(&cfg.WalletURL, "wallet-url", "http://localhost:8081", "wallet service base url")
	fs.StringVar(&cfg.InvestURL, "invest-url", "http://localhost:8082", "invest service base url")
	fs.StringVar(&cfg.BonusURL, "bonus-url", "http://localhost:8083", "bonus service base url")
	fs.StringVar(&cfg.LedgerURL, "ledger-url", "http://localhost:8084", "ledger service base url")
	fs.StringVar(&cfg.InternalToken, "internal-token", "", "internal service token")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("--timeout must be positive")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled recovery...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled recovery...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled recovery exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg recoveryConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Scanning for orphaned sagas...")
	}

	sweeper, err := buildSweeper(db, cfg, errOut)
	if err != nil {
		return 2, err
	}

	report, err := sweeper.Sweep(ctx, cfg.Timeout)
	if err != nil {
		return 2, fmt.Errorf("sweep failed: %w", err)
	}

	full := buildReport(cfg.Timeout, report)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, full); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, full); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if report.Claimed == 0 {
		fmt.Fprintf(out, "✓ Recovery passed: %d candidates scanned, none orphaned\n", report.Scanned)
		return 0, nil
	}

	fmt.Fprintf(out, "Recovered %d orphaned sagas: %d compensated, %d left as failed, %d need manual resolution\n",
		report.Claimed, report.Compensated, report.FailedOnly, report.ManualResolution)

	if report.ManualResolution > 0 || report.Errors > 0 {
		if cfg.WebhookURL != "" {
			if err := sendWebhook(ctx, cfg.WebhookURL, full); err != nil {
				fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
			}
		}
		if cfg.SlackWebhookURL != "" {
			if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, full); err != nil {
				fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
			}
		}
		if cfg.Alert {
			return 1, nil
		}
	}
	return 0, nil
}

func buildSweeper(db *sql.DB, cfg recoveryConfig, errOut io.Writer) (*saga.Sweeper, error) {
	reg := saga.NewRegistry()
	err := steps.RegisterPaymentAllocation(reg, steps.Deps{
		Wallet:   client.NewWalletClient(cfg.WalletURL, cfg.InternalToken),
		Invest:   client.NewInvestClient(cfg.InvestURL, cfg.InternalToken),
		Bonus:    client.NewBonusClient(cfg.BonusURL, cfg.InternalToken),
		Ledger:   client.NewLedgerClient(cfg.LedgerURL, cfg.InternalToken),
		Notifier: noopNotifier{},
	})
	if err != nil {
		return nil, fmt.Errorf("register saga steps: %w", err)
	}

	repo := repository.NewSagaRepository(db)
	logg := logger.New("payment-recovery", errOut)
	comp := saga.NewCompensator(repo, reg, logg)
	return saga.NewSweeper(repo, comp, logg), nil
}

// noopNotifier 补偿路径不会执行正向通知步骤
type noopNotifier struct{}

func (noopNotifier) PublishAllocationCompleted(context.Context, int64, notify.AllocationEvent) error {
	return nil
}

type recoveryReport struct {
	RunAt            string `json:"run_at"`
	TimeoutSeconds   int64  `json:"timeout_seconds"`
	Scanned          int    `json:"scanned"`
	Claimed          int    `json:"claimed"`
	Skipped          int    `json:"skipped"`
	Compensated      int    `json:"compensated"`
	FailedOnly       int    `json:"failed_only"`
	ManualResolution int    `json:"manual_resolution"`
	Errors           int    `json:"errors"`
}

func buildReport(timeout time.Duration, report *saga.SweepReport) recoveryReport {
	return recoveryReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		TimeoutSeconds:   int64(timeout.Seconds()),
		Scanned:          report.Scanned,
		Claimed:          report.Claimed,
		Skipped:          report.Skipped,
		Compensated:      report.Compensated,
		FailedOnly:       report.FailedOnly,
		ManualResolution: report.ManualResolution,
		Errors:           report.Errors,
	}
}

func writeReport(path string, report recoveryReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, report recoveryReport) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS payment_saga.recovery_history (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}
	status := "ok"
	if report.ManualResolution > 0 || report.Errors > 0 {
		status = "attention"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO payment_saga.recovery_history (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}

func sendWebhook(ctx context.Context, url string, report recoveryReport) error {
	payload := map[string]interface{}{
		"message": "recovery sweep needs attention",
		"report":  report,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, report recoveryReport) error {
	payload := map[string]string{
		"text": fmt.Sprintf("Recovery sweep needs attention: claimed=%d manual=%d errors=%d",
			report.Claimed, report.ManualResolution, report.Errors),
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}
