package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/client"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/config"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/metrics"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/notify"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/repository"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/saga"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/service"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/internal/steps"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/audit"
	commonerrors "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/errors"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/health"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/logger"
	pkgredis "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/redis"
	commonresp "github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/response"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/snowflake"
	"github.com/ahshaikh/PreIPOsip2Gemini-sub007/pkg/tracing"
)

// PaymentEvent 支付事件信封
type PaymentEvent struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// PaymentSettledData 支付结算数据
type PaymentSettledData struct {
	PaymentID string            `json:"PaymentID"`
	UserID    int64             `json:"UserID"`
	Amount    int64             `json:"Amount"`
	Extra     map[string]string `json:"Extra"`
}

func main() {
	cfg := config.Load()
	logg := logger.New(cfg.ServiceName, os.Stdout)
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.JaegerEndpoint,
			Enabled:     true,
			SampleRate:  1,
		})
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer shutdown(context.Background())
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	repo := repository.NewSagaRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure saga schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, audit.CreateTableSQL); err != nil {
		log.Fatalf("Failed to ensure audit schema: %v", err)
	}

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	defer redisClient.Close()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	// 注册 saga 步骤
	reg := saga.NewRegistry()
	err = steps.RegisterPaymentAllocation(reg, steps.Deps{
		Wallet:   client.NewWalletClient(cfg.WalletServiceURL, cfg.InternalToken),
		Invest:   client.NewInvestClient(cfg.InvestServiceURL, cfg.InternalToken),
		Bonus:    client.NewBonusClient(cfg.BonusServiceURL, cfg.InternalToken),
		Ledger:   client.NewLedgerClient(cfg.LedgerServiceURL, cfg.InternalToken),
		Notifier: notify.NewPublisher(redisClient, cfg.PrivateUserEventChannel),
	})
	if err != nil {
		log.Fatalf("Failed to register saga steps: %v", err)
	}

	metricsCollector := metrics.NewDefault()
	executor := saga.NewExecutor(repo, reg, logg)
	executor.SetMetrics(metricsCollector)
	sweeper := saga.NewSweeper(repo, executor.Compensator(), logg)
	sweeper.SetMetrics(metricsCollector)

	auditSink, err := audit.NewDBSink(db, snowflake.MustNextID,
		audit.WithErrorHandler(func(err error) {
			logg.WithError(err).Error("audit write failed")
		}))
	if err != nil {
		log.Fatalf("Failed to init audit sink: %v", err)
	}
	defer auditSink.Close()

	svc := service.NewResolutionService(repo, executor, sweeper, auditSink, logg)
	svc.SetMetrics(metricsCollector)

	// 启动支付事件消费
	var paymentLoop health.LoopMonitor
	paymentLoop.Tick()
	streamClient := pkgredis.NewStreamClient(redisClient)
	consumer := pkgredis.NewConsumer(streamClient, cfg.ConsumerGroup, cfg.ConsumerName,
		cfg.PaymentStream, paymentHandler(executor, logg), nil)
	consumer.OnTick = paymentLoop.Tick
	go func() {
		defer func() {
			if r := recover(); r != nil {
				paymentLoop.SetError(fmt.Errorf("panic: %v", r))
				log.Printf("consumer panic: %v\n%s", r, string(debug.Stack()))
			}
		}()
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			paymentLoop.SetError(err)
			log.Printf("consumer stopped: %v", err)
		}
	}()

	// 周期恢复扫描
	var sweepLoop health.LoopMonitor
	sweepLoop.Tick()
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := svc.RunRecovery(ctx, cfg.SweepTimeout); err != nil {
					sweepLoop.SetError(err)
					logg.WithError(err).Error("recovery sweep failed")
					continue
				}
				sweepLoop.Tick()
			}
		}
	}()

	// HTTP 服务
	mux := http.NewServeMux()
	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next(w, r)
		}
	}

	mux.Handle("/metrics", metricsCollector.Handler())
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	healthHandler := func(w http.ResponseWriter, r *http.Request) {
		deps := []dependencyStatus{
			checkPostgres(r.Context(), db),
			checkRedis(r.Context(), redisClient),
			checkLoop("paymentStreamConsumer", &paymentLoop, 45*time.Second),
			checkLoop("recoverySweep", &sweepLoop, 2*cfg.SweepInterval),
		}
		writeHealth(w, deps)
	}
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", healthHandler)

	// 运营接口
	mux.HandleFunc("/v1/sagas", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		handleListSagas(w, r, svc)
	}))
	mux.HandleFunc("/v1/sagas/stats", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		handleSagaStats(w, r, svc)
	}))
	mux.HandleFunc("/v1/sagas/", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		handleSagaByID(w, r, svc)
	}))
	mux.HandleFunc("/internal/recovery/run", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		report, err := svc.RunRecovery(r.Context(), cfg.SweepTimeout)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, http.StatusOK, report)
	}))

	handler := commonresp.RequestIDMiddleware(mux)
	handler = commonresp.RecoveryMiddleware(handler)
	if cfg.TracingEnabled {
		handler = tracing.HTTPMiddleware(handler)
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}

// paymentHandler 消费支付结算事件并同步执行 saga。
// 返回 error 仅在存储层故障时触发消息重试，业务失败由补偿兜底。
func paymentHandler(executor *saga.Executor, logg *logger.Logger) pkgredis.MessageHandler {
	return func(ctx context.Context, msg *pkgredis.Message) error {
		var event PaymentEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logg.WithError(err).Error("unmarshal payment event failed")
			return nil
		}
		if event.Type != "PAYMENT_SETTLED" {
			return nil
		}

		var data PaymentSettledData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			logg.WithError(err).Error("unmarshal payment data failed")
			return nil
		}
		if data.PaymentID == "" || data.UserID <= 0 || data.Amount <= 0 {
			logg.Warnf("invalid payment event dropped", map[string]interface{}{
				"paymentId": data.PaymentID,
				"userId":    data.UserID,
			})
			return nil
		}

		_, err := executor.Execute(ctx, saga.TypePaymentAllocation, saga.Trigger{
			PaymentID: data.PaymentID,
			UserID:    data.UserID,
			Amount:    data.Amount,
			Extra:     data.Extra,
		})
		return err
	}
}

func handleListSagas(w http.ResponseWriter, r *http.Request, svc *service.ResolutionService) {
	q := r.URL.Query()
	filter := saga.Filter{
		Status:         saga.Status(strings.TrimSpace(q.Get("status"))),
		NeedsAttention: q.Get("needsAttention") == "true",
		Search:         strings.TrimSpace(q.Get("search")),
	}
	filter.InitiatedFrom, _ = strconv.ParseInt(q.Get("from"), 10, 64)
	filter.InitiatedTo, _ = strconv.ParseInt(q.Get("to"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	views, err := svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, map[string]interface{}{"sagas": views})
}

func handleSagaStats(w http.ResponseWriter, r *http.Request, svc *service.ResolutionService) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("windowHours"))
	if hours <= 0 {
		hours = 24
	}
	stats, err := svc.Stats(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"byStatus":        stats.ByStatus,
		"windowTotal":     stats.WindowTotal,
		"windowCompleted": stats.WindowCompleted,
		"successRate":     stats.SuccessRate(),
	})
}

// handleSagaByID 处理 /v1/sagas/{id}[/{action}]
func handleSagaByID(w http.ResponseWriter, r *http.Request, svc *service.ResolutionService) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sagas/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	sagaID := parts[0]
	if sagaID == "" {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "saga id required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	requestID := commonresp.RequestIDFromRequest(r)

	switch {
	case action == "" && r.Method == http.MethodGet:
		view, err := svc.Get(r.Context(), sagaID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, http.StatusOK, view)

	case action == "audit" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := svc.AuditTrail(r.Context(), sagaID, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*audit.Entry{}
		}
		commonresp.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})

	case action == "retry" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		view, err := svc.Retry(r.Context(), sagaID, actor, requestID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, http.StatusOK, view)

	case action == "compensate" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		view, err := svc.ForceCompensate(r.Context(), sagaID, actor, requestID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, http.StatusOK, view)

	case action == "resolve" && r.Method == http.MethodPost:
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			ResolutionData string `json:"resolutionData"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&body)
		}
		view, err := svc.Resolve(r.Context(), sagaID, actor, body.ResolutionData, requestID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, http.StatusOK, view)

	default:
		commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get("X-Operator"))
	if actor == "" {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "X-Operator header required")
		return "", false
	}
	return actor, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var bizErr *commonerrors.Error
	if errors.As(err, &bizErr) {
		commonresp.WriteError(w, r, bizErr)
		return
	}
	log.Printf("internal error: %v", err)
	commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "internal error")
}
