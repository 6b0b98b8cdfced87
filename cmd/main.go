package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	httpapi "github.com/xmartos/scrumpoker/internal/api/http"
	"github.com/xmartos/scrumpoker/internal/config"
	"github.com/xmartos/scrumpoker/internal/service"
	"github.com/xmartos/scrumpoker/internal/store"
	"github.com/xmartos/scrumpoker/lib/logger/sl"
	"github.com/xmartos/scrumpoker/lib/logger/slogpretty"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	st, err := setupStore(cfg.Store, log)
	if err != nil {
		log.Error("failed to set up store", sl.Err(err))
		os.Exit(1)
	}

	authService := service.NewAuthService(cfg.Auth.Email, cfg.Auth.Password, cfg.Auth.TokenTTL, log)

	roomController := httpapi.NewRoomController(st, authService, cfg.Room.Retention, log)
	authController := httpapi.NewAuthController(authService)

	router := httpapi.SetupRouter(roomController, authController, cfg.CORS.AllowedOrigins)

	log.Info("starting application",
		slog.String("addr", cfg.HTTP.Address),
		slog.String("store", cfg.Store.Backend),
	)
	if err := router.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", sl.Err(err))
		os.Exit(1)
	}
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func setupStore(cfg config.StoreConfig, log *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return store.NewRedis(client, log), nil

	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is empty")
		}
		db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return store.NewPostgres(db)

	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}
