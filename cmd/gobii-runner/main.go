package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	v1 "gobii_runner/api/v1"
	"gobii_runner/internal/auth"
	"gobii_runner/internal/cache"
	"gobii_runner/internal/config"
	"gobii_runner/internal/db"
	"gobii_runner/internal/execution"
	"gobii_runner/internal/gobii"
	"gobii_runner/internal/logging"
	"gobii_runner/internal/store"
	"gobii_runner/internal/ws"
)

func main() {
	iniPath := flag.String("config", "", "path to an INI config file (env overrides it)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash for ADMIN_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// 1. Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *iniPath != "" {
		cfg, err = config.LoadFromINI(*iniPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithField("component", "main")
	log.Info("✓ Configuration loaded")

	// 2. Open the store
	backend, closeStore, err := openBackend(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	// 3. Wire the execution service
	tokens := auth.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		time.Duration(cfg.JWT.ExpireMinutes)*time.Minute,
		cfg.Admin.Username,
		cfg.Admin.PasswordHash,
	)
	if cfg.Admin.PasswordHash == "" {
		log.Warn("ADMIN_PASSWORD_HASH is empty, login is disabled")
	}

	client := gobii.NewClient(gobii.Config{
		BaseURL:     cfg.Gobii.BaseURL,
		Timeout:     time.Duration(cfg.Gobii.TimeoutSec) * time.Second,
		Credentials: backend,
	})

	notifiers := execution.Notifiers{}
	service := execution.NewService(&execution.Config{
		Ledger:       store.NewLedger(backend),
		Client:       client,
		Credentials:  backend,
		Notifier:     &notifiers,
		Logger:       logger.WithField("service", "gobii_runner"),
		PollInterval: time.Duration(cfg.Poller.IntervalSec) * time.Second,
	})

	hub := ws.NewHub(tokens, service, logger.WithField("service", "gobii_runner"))
	notifiers = append(notifiers, hub)
	hub.Start()
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rs, ok := backend.(*store.RedisStore); ok {
		go func() {
			if err := rs.Subscribe(ctx, service.Reloaded); err != nil {
				log.Errorf("Task change subscription ended: %v", err)
			}
		}()
	}

	// 4. Resume anything left running by the previous process
	if n := service.ScanAll(ctx); n > 0 {
		log.Infof("✓ Resumed %d tasks", n)
	}

	resumeWorker := execution.NewResumeWorker(service, execution.ResumeWorkerConfig{
		Enabled:     cfg.ResumeWorker.Enabled,
		IntervalSec: cfg.ResumeWorker.IntervalSec,
	}, logger.WithField("service", "gobii_runner"))
	resumeWorker.Start()

	// 5. HTTP server
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	v1.SetupRouter(r, &v1.Deps{
		Service:     service,
		Credentials: backend,
		Tokens:      tokens,
	})
	socketHandler := gin.WrapH(hub.Handler())
	r.GET("/socket.io/*any", socketHandler)
	r.POST("/socket.io/*any", socketHandler)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infof("✓ Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP shutdown failed: %v", err)
	}
	resumeWorker.Stop()
	service.Stop()
	log.Info("✓ Stopped")
}

// openBackend builds the configured store and returns its close function
func openBackend(cfg *config.Config, logger *logrus.Logger) (store.Backend, func(), error) {
	entry := logger.WithField("service", "gobii_runner")

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		entry.Warn("Using in-memory store, tasks are lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	case config.StoreDriverMySQL:
		gdb, err := db.OpenMySQL(cfg.MySQL.DSN, entry)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := db.Migrate(gdb, entry); err != nil {
				db.Close(gdb)
				return nil, nil, err
			}
		}
		return store.NewMySQLStore(gdb), closeDB(gdb, entry), nil

	default:
		rdb, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, entry)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(rdb, cfg.Redis.KeyPrefix, entry), func() { rdb.Close() }, nil
	}
}

func closeDB(gdb *gorm.DB, logger *logrus.Entry) func() {
	return func() {
		if err := db.Close(gdb); err != nil {
			logger.Errorf("Failed to close MySQL: %v", err)
		}
	}
}

// requestLogger logs every request through logrus
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"component": "http",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Info("request")
	}
}
