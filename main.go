package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	_ "ALE-backend/docs"
	"ALE-backend/internal/capitalcall"
	"ALE-backend/internal/platform/auth"
	"ALE-backend/internal/platform/config"
	"ALE-backend/internal/platform/db"
	"ALE-backend/internal/platform/events"
	"ALE-backend/internal/platform/logging"
)

// @title        ALE Capital Call API
// @version      1.0
// @BasePath     /api/v1
// @securityDefinitions.apikey BearerAuth
// @in           header
// @name         Authorization
func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// 設定読み込み
	path := config.DefaultPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting", "version", cfg.Version, "mode", cfg.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected to DB", "dbname", cfg.DB.DBName)

	if cfg.DB.Migrate {
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
	}

	// イベント: プロセス内配信 + （設定があれば）Kafka
	var forward []events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil)
		if err != nil {
			return err
		}
		defer kp.Close()
		forward = append(forward, kp)
		logger.Info("kafka publisher enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	bus := events.NewBus(logger, forward...)

	engine, err := capitalcall.NewWorkflowEngine(capitalcall.WorkflowStatus(cfg.Workflow.RejectTarget))
	if err != nil {
		return err
	}
	svc := capitalcall.NewService(conn, engine,
		capitalcall.WithLogger(logger),
		capitalcall.WithPublisher(bus),
		capitalcall.WithExportMaxRows(cfg.Export.MaxRows),
	)

	queues, err := countQueues(cfg.Counts.Queues)
	if err != nil {
		return err
	}
	counts := capitalcall.NewTabCountAggregator(svc.Store(), cfg.Counts.RefreshInterval, queues, logger)
	bus.Subscribe(counts.HandleEvent)

	authSvc := auth.NewService(conn, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.Middleware(logger), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if cfg.IsDev() {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.AllowOrigins,
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", logging.HeaderRequestID},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Total-Rows", logging.HeaderRequestID},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) {
		if err := conn.PingContext(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "db unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	// /api/v1
	api := r.Group("/api/v1")
	protected := api.Group("", auth.RequireAuth([]byte(cfg.Auth.JWTSecret)))
	auth.RegisterRoutes(api, protected, authSvc)
	exportLimiter := rate.NewLimiter(rate.Limit(cfg.Export.Rate), cfg.Export.Burst)
	capitalcall.RegisterRoutes(protected, svc, counts, exportLimiter)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return counts.Run(gctx)
	})
	g.Go(func() error {
		var err error
		if cfg.Server.TLS {
			certFile, keyFile := cfg.CertPaths()
			logger.Info("listening", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			logger.Info("listening", "addr", srv.Addr, "tls", false)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func countQueues(names []string) ([]capitalcall.Queue, error) {
	out := make([]capitalcall.Queue, 0, len(names))
	for _, n := range names {
		q := capitalcall.Queue(n)
		if !q.Valid() {
			return nil, fmt.Errorf("counts.queues: unknown queue %q", n)
		}
		out = append(out, q)
	}
	return out, nil
}
