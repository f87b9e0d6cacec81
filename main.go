package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"igniteme/internal/api"
	"igniteme/internal/auth"
	"igniteme/internal/config"
	"igniteme/internal/dialogue"
	"igniteme/internal/logger"
	"igniteme/internal/redis"
	"igniteme/internal/service/ai"
	"igniteme/internal/service/board"
	"igniteme/internal/service/coach"
	"igniteme/internal/session"
	"igniteme/internal/storage"
	"igniteme/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("IGNITEME_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.New(cfg.BasicConfig.LogLevel)
	basic := cfg.BasicConfig

	dbType := os.Getenv("IGNITEME_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("db", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	sessionTTL := time.Duration(basic.SessionTTL) * time.Minute
	var (
		rdb      *redis.Client
		sessions session.Store
	)
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create redis client")
		}
		defer rdb.Close()
		sessions = session.NewRedisStore(rdb, sessionTTL)
	} else {
		sessions = session.NewMemoryStore(sessionTTL)
	}

	chat, err := ai.NewService(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init chat model")
	}
	turns := worker.NewManager(worker.Config{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
	}, rdb)
	defer turns.Stop()

	boardService := board.NewService(db)
	coachService := coach.NewService(dialogue.NewMachine(chat), turns, boardService)
	authService := auth.NewService(db, rdb, time.Duration(basic.TokenTTL)*time.Hour)
	handlers := api.NewHandler(authService, boardService, coachService, sessions, sessionTTL, basic.FeedPageSize)

	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware())
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: basic.ServerAddress, Handler: router}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
