// README: Entry point; loads config, wires services, starts HTTP server and background schedulers.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridepool/internal/config"
	httptransport "ridepool/internal/http"
	"ridepool/internal/infra"
	"ridepool/internal/maps"
	"ridepool/internal/modules/driver"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/share"
	"ridepool/internal/modules/wallet"
	"ridepool/internal/notify"
	"ridepool/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ridepool-api stopped", zap.Error(err))
	}
}

type stores struct {
	wallets wallet.Store
	drivers driver.Store
	rides   ride.Store
	groups  share.Store
}

func openStores(ctx context.Context, cfg config.Config) (stores, func(), error) {
	if cfg.Storage.Driver == "memory" {
		return stores{
			wallets: wallet.NewMemoryStore(),
			drivers: driver.NewMemoryStore(),
			rides:   ride.NewMemoryStore(),
			groups:  share.NewMemoryStore(),
		}, func() {}, nil
	}
	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, nil, err
	}
	return stores{
		wallets: wallet.NewPGStore(pool),
		drivers: driver.NewPGStore(pool),
		rides:   ride.NewPGStore(pool),
		groups:  share.NewPGStore(pool),
	}, pool.Close, nil
}

// buildEmitter assembles the configured sinks behind an async queue.
func buildEmitter(cfg config.NotifyConfig, rdb *redis.Client, logger *zap.Logger) (*notify.Async, []io.Closer, error) {
	var sinks notify.Fanout
	var closers []io.Closer
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.NewLogEmitter(logger))
		case "redis":
			sinks = append(sinks, notify.NewRedisEmitter(rdb, cfg.RedisChannel))
		case "amqp":
			em, err := notify.NewAMQPEmitter(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				return nil, closers, fmt.Errorf("amqp sink: %w", err)
			}
			sinks = append(sinks, em)
			closers = append(closers, em)
		case "kafka":
			em := notify.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
			sinks = append(sinks, em)
			closers = append(closers, em)
		}
	}
	return notify.NewAsync(sinks, cfg.Buffer, logger), closers, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var verifier infra.TokenVerifier
	if cfg.Auth.Enabled {
		fv, err := infra.NewFirebaseVerifier(ctx, infra.FirebaseOptions{
			ProjectID:       cfg.Auth.ProjectID,
			CredentialsFile: cfg.Auth.CredentialsFile,
			CheckRevoked:    cfg.Auth.CheckRevoked,
		}, logger.Named("auth"))
		if err != nil {
			return fmt.Errorf("firebase init: %w", err)
		}
		verifier = fv
	}

	var geocoder ride.Geocoder
	if cfg.Maps.APIKey != "" {
		g, err := maps.NewGeocoder(cfg.Maps.APIKey, nil)
		if err != nil {
			return err
		}
		geocoder = g
	}

	events, closers, err := buildEmitter(cfg.Notify, rdb, logger)
	for _, c := range closers {
		defer c.Close()
	}
	if err != nil {
		return err
	}

	wallets := wallet.NewService(st.wallets, wallet.Config{
		Currency:      cfg.Fare.Currency,
		PlatformOwner: types.ID(cfg.Wallet.PlatformOwner),
	}, logger.Named("wallet"))

	// Without Redis the driver store answers proximity queries itself.
	var index driver.GeoIndex
	if rdb != nil {
		index = location.NewStore(rdb)
	}
	drivers := driver.NewService(st.drivers, index, driver.Config{
		RadiusKm:      cfg.Matching.RadiusKm,
		MaxCandidates: cfg.Matching.MaxCandidates,
	}, logger.Named("driver"))

	rides := ride.NewService(ride.Deps{
		Store:    st.rides,
		Drivers:  drivers,
		Ledger:   wallets,
		Emitter:  events,
		Geocoder: geocoder,
		Fares: pricing.Config{
			Currency:        cfg.Fare.Currency,
			CommissionBP:    cfg.Fare.CommissionBP,
			PoolDiscountBP:  cfg.Fare.PoolDiscountBP,
			CancelPenaltyBP: cfg.Fare.CancelPenaltyBP,
		},
		Config: ride.Config{RetryBatch: cfg.Matching.RetryBatch},
		Logger: logger.Named("ride"),
	})
	drivers.OnAvailable(rides.OnDriverAvailable)

	shareCfg := share.DefaultConfig()
	shareCfg.Thresholds = share.Thresholds{
		PickupKm:          cfg.Share.PickupKm,
		StrictDropoffKm:   cfg.Share.StrictDropoffKm,
		FallbackDropoffKm: cfg.Share.FallbackDropoffKm,
	}
	shareCfg.OpenTimeout = cfg.Share.OpenTimeout
	shareCfg.SweepInterval = cfg.Share.SweepInterval
	coordinator := share.NewCoordinator(st.groups, rides, events, shareCfg, logger.Named("share"))
	if rdb != nil {
		coordinator.WithLock(share.NewRedisLock(rdb))
	}
	rides.SetPooler(coordinator)

	go events.Run(ctx)
	go rides.RunDispatcher(ctx, cfg.Matching.DispatchInterval)
	go coordinator.RunSweeper(ctx)

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.RouterDeps{
		Rides:    rides,
		Drivers:  drivers,
		Wallets:  wallets,
		Shares:   coordinator,
		Verifier: verifier,
		Logger:   logger.Named("http"),
	})
	logger.Info("ridepool-api starting",
		zap.String("storage", cfg.Storage.Driver),
		zap.Strings("sinks", cfg.Notify.Sinks),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	return server.Run(ctx)
}
