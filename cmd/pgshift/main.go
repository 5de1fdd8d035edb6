package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pgshift/pgshift/internal/config"
	migrationapi "github.com/pgshift/pgshift/internal/migration/api"
	"github.com/pgshift/pgshift/internal/migration/datasync"
	"github.com/pgshift/pgshift/internal/migration/gateway"
	"github.com/pgshift/pgshift/internal/migration/ledger"
	"github.com/pgshift/pgshift/internal/migration/metrics"
	"github.com/pgshift/pgshift/internal/migration/orchestrator"
	"github.com/pgshift/pgshift/internal/migration/redirect"
)

func main() {
	// load config first
	log.Info().Msg("Starting pgshift migration server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	blue := gateway.Endpoint{Name: "blue", DSN: cfg.Blue.DSN()}
	green := gateway.Endpoint{Name: "green", DSN: cfg.Green.DSN()}
	gw := gateway.NewPostgres()
	defer gw.Close()

	m := metrics.New()

	var director redirect.Director = redirect.LogDirector{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		director = redirect.NewRedisDirector(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis traffic director")
	}

	engine := datasync.NewEngine(gw, blue, green, datasync.Options{
		Source:   datasync.TimestampSource{Column: cfg.Sync.TimestampColumn},
		Resolver: datasync.NewResolver(datasync.LastWriteWins, cfg.Sync.TimestampColumn),
		Metrics:  m,
	})
	defer engine.StopSync()

	orch := orchestrator.New(gw, blue, green, orchestrator.Options{
		Tables:       cfg.Sync.Tables,
		Director:     director,
		SettleWindow: config.ParseDuration(cfg.Cutover.SettleWindow, 5*time.Second),
		Metrics:      m,
	})

	// optional schema version ledger on the blue side
	var lgr *ledger.Ledger
	if l, lerr := ledger.Open(cfg.Blue.DSN()); lerr == nil {
		lgr = l
		defer lgr.Close()
		if err := lgr.Init(context.Background()); err != nil {
			log.Error().Err(err).Msg("ledger init failed")
		}
	} else {
		log.Error().Err(lerr).Msg("ledger init failed; history endpoints will be unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Sync.AutoStart && len(cfg.Sync.Tables) > 0 {
		interval := config.ParseDuration(cfg.Sync.Interval, time.Second)
		if err := engine.StartSync(ctx, cfg.Sync.Tables, interval); err != nil {
			log.Error().Err(err).Msg("failed to auto-start sync")
		}
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	migrationapi.New(router, orch, engine, lgr, cfg)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start pgshift server failed.")
	}
	log.Info().Msg("pgshift server exit...")
}
