package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/realb/realtime/internal/auth"
	"github.com/realb/realtime/internal/config"
	"github.com/realb/realtime/internal/events"
	"github.com/realb/realtime/internal/httpapi"
	"github.com/realb/realtime/internal/notify"
	"github.com/realb/realtime/internal/push"
	"github.com/realb/realtime/internal/registry"
	"github.com/realb/realtime/internal/sessionstore"
	"github.com/realb/realtime/internal/store"
)

func main() {
	zlog, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(zlog)
	log := zlog.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("init config error:", err)
	}

	if cfg.PprofHost != "" {
		go func() {
			http.ListenAndServe(cfg.PprofHost, nil)
		}()
	}

	loglevel := logger.Error
	if cfg.DBLog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DB), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		log.Fatal("open db:", err)
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatal("migrate:", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis:", err)
	}
	sessions := sessionstore.New(rdb, st, cfg.Redis.SessionTTL)

	reg := registry.New(sessions, st, registry.Options{
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		WriteWait:         cfg.Client.WriteWait,
		ReadLimit:         cfg.Client.ReadMessageSizeLimit,
	})
	reg.Start()

	gateway := push.NewGateway(push.Config{
		FirebaseCredentialsJSON: cfg.Push.FirebaseCredentialsJSON,
		APNSKeyPath:             cfg.Push.APNSKeyPath,
		APNSKeyID:               cfg.Push.APNSKeyID,
		APNSTeamID:              cfg.Push.APNSTeamID,
		APNSBundleID:            cfg.Push.APNSBundleID,
		APNSSandbox:             cfg.Push.APNSSandbox,
		CallTimeout:             cfg.Push.CallTimeout,
	})

	dispatcher := notify.NewDispatcher(reg, st, st, gateway, notify.Options{
		BatchSize:   cfg.Notify.BatchSize,
		PushTimeout: cfg.Notify.PushTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := events.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.Concurrency, dispatcher)
	if err := consumer.Start(ctx); err != nil {
		// The HTTP surface is still useful without the broker.
		log.Error("event consumer:", err)
	}

	verifier := auth.NewVerifier(cfg.Secret)
	h := httpapi.NewHandler(verifier, st, reg, dispatcher, cfg.Client.ReadBufferSize, cfg.Client.WriteBufferSize)
	srv := &http.Server{
		Addr:    cfg.Host,
		Handler: httpapi.NewRouter(h),
	}

	go func() {
		log.Info("Start:", cfg.Host)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ListenAndServe: ", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown:", err)
	}
	consumer.Close()
	reg.Stop()
	rdb.Close()

	if err := zlog.Sync(); err != nil {
		os.Stderr.WriteString(err.Error())
	}
}
