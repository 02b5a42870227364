// Package app wires arena components from an AppConfig.
package app

import (
	"context"
	"errors"
	"fmt"

	"aipilot/internal/arena/artifact"
	"aipilot/internal/arena/executor"
	"aipilot/internal/arena/pairing"
	"aipilot/internal/arena/replay"
	"aipilot/internal/arena/repository"
	"aipilot/internal/arena/sandbox"
	"aipilot/internal/arena/scheduler"
	"aipilot/internal/arena/service"
	"aipilot/internal/common/cache"
	"aipilot/internal/common/db"
	"aipilot/internal/common/mq"
	"aipilot/internal/common/storage"
	"aipilot/pkg/utils/logger"

	"go.uber.org/zap"
)

// App holds every wired arena component. Optional backends are nil when not configured.
type App struct {
	Config *AppConfig

	DB      *db.SQLDatabase
	Cache   *cache.RedisCache
	Objects *storage.MinIOStorage
	Queue   *mq.KafkaQueue

	Pilots  *repository.SQLPilotRepository
	Matches *repository.SQLMatchRepository
	Jobs    *repository.JobStatusRepository

	Artifacts *artifact.Store
	Executor  *executor.Executor
	Selector  *pairing.Selector
	Loop      *scheduler.Loop
	Waker     *scheduler.PeriodicWaker

	Registry *service.RegistryService
	Manual   *service.ManualService
	Stats    *service.StatsService
	// Fight is nil when no converter tool is configured.
	Fight *service.FightWorkflow

	closers []func() error
}

// New opens the configured backends and builds the arena on top of them.
func New(cfg *AppConfig) (*App, error) {
	a := &App{Config: cfg}
	if err := a.openBackends(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.buildArena(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openBackends() error {
	cfg := a.Config
	var err error
	switch cfg.Database.Driver {
	case "mysql":
		a.DB, err = db.NewMySQL(db.MySQLConfig{DSN: cfg.Database.DSN, PoolConfig: cfg.Database.pool()})
	default:
		a.DB, err = db.NewSQLite(db.SQLiteConfig{
			Path:        cfg.Database.Path,
			BusyTimeout: cfg.Database.BusyTimeout,
			PoolConfig:  cfg.Database.pool(),
		})
	}
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := repository.Migrate(a.DB); err != nil {
		return fmt.Errorf("migrate database failed: %w", err)
	}

	if cfg.Redis.Addr != "" {
		a.Cache, err = cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		a.closers = append(a.closers, a.Cache.Close)
	}

	if cfg.MinIO.Endpoint != "" {
		a.Objects, err = storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.Queue, err = mq.NewKafkaQueue(cfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		a.closers = append(a.closers, a.Queue.Close)
	}
	return nil
}

// The interface-typed accessors keep unconfigured backends as untyped nils.

func (a *App) cacheClient() cache.Cache {
	if a.Cache == nil {
		return nil
	}
	return a.Cache
}

func (a *App) objectStorage() storage.ObjectStorage {
	if a.Objects == nil {
		return nil
	}
	return a.Objects
}

func (a *App) jobPublisher() repository.JobEventPublisher {
	if a.Queue == nil {
		return nil
	}
	return repository.NewMQJobEventPublisher(a.Queue, a.Config.Kafka.FinalTopic)
}

func (a *App) buildArena() error {
	cfg := a.Config.Arena
	var err error

	a.Pilots = repository.NewPilotRepository(a.DB)
	a.Matches = repository.NewMatchRepository(a.DB)
	a.Jobs = repository.NewJobStatusRepository(a.cacheClient(), cfg.JobTTL, a.jobPublisher())

	a.Artifacts, err = artifact.NewStore(artifact.Config{
		UploadDir:      cfg.UploadDir,
		Bucket:         a.Config.MinIO.Bucket,
		StorageTimeout: cfg.StorageTimeout,
	}, a.objectStorage())
	if err != nil {
		return fmt.Errorf("init artifact store failed: %w", err)
	}

	runner, err := sandbox.NewProcessRunner(sandbox.RunnerConfig{
		Command: cfg.Runtime,
		Timeout: cfg.MatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("init sandbox runner failed: %w", err)
	}
	extractor, err := sandbox.NewMarkerExtractor(cfg.Marker)
	if err != nil {
		return fmt.Errorf("init outcome extractor failed: %w", err)
	}

	a.Executor, err = executor.New(executor.Config{
		Runner:        runner,
		Extractor:     extractor,
		Artifacts:     a.Artifacts,
		Results:       a.Matches,
		Failures:      a.Pilots,
		Jobs:          a.Jobs,
		Image:         cfg.Image,
		MapDir:        cfg.MapDir,
		LogDir:        cfg.LogDir,
		SimDir:        cfg.SimDir,
		Limits:        cfg.Limits,
		SideAMount:    cfg.Mounts.SideA,
		SideBMount:    cfg.Mounts.SideB,
		MapMount:      cfg.Mounts.Map,
		SimMount:      cfg.Mounts.Sim,
		MaxConcurrent: cfg.MaxConcurrent,
		StatusTimeout: cfg.StatusTimeout,
	})
	if err != nil {
		return fmt.Errorf("init executor failed: %w", err)
	}

	a.Selector = pairing.NewSelector(a.Pilots, a.Matches, a.Pilots, cfg.MatchesPer, cfg.MaxFails)
	a.Loop, err = scheduler.NewLoop(scheduler.Config{
		Selector:       a.Selector,
		Executor:       a.Executor,
		FailureBackoff: cfg.FailureBackoff,
	})
	if err != nil {
		return fmt.Errorf("init scheduling loop failed: %w", err)
	}
	a.Waker, err = scheduler.NewPeriodicWaker(a.Loop, cfg.WakeInterval)
	if err != nil {
		return fmt.Errorf("init periodic waker failed: %w", err)
	}
	a.closers = append(a.closers, a.Waker.Stop)

	a.Registry, err = service.NewRegistryService(a.Pilots, a.Artifacts, a.Loop)
	if err != nil {
		return err
	}
	a.Manual, err = service.NewManualService(a.Pilots, a.Executor)
	if err != nil {
		return err
	}
	a.Stats, err = service.NewStatsService(a.Pilots, a.Matches, a.cacheClient(), cfg.StatsTTL, cfg.MaxFails)
	if err != nil {
		return err
	}

	if a.Config.Converter.Tool == "" {
		logger.Warn(context.Background(), "replay converter not configured, fights will have no replay")
		return nil
	}
	converter, err := replay.NewConverter(replay.ConverterConfig{
		Tool:    a.Config.Converter.Tool,
		MapPath: a.Config.Converter.MapPath,
		WorkDir: a.Config.Converter.WorkDir,
		Timeout: a.Config.Converter.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init replay converter failed: %w", err)
	}
	a.Fight, err = service.NewFightWorkflow(service.FightConfig{
		Manual:         a.Manual,
		Converter:      converter,
		Matches:        a.Matches,
		Pilots:         a.Pilots,
		Objects:        a.objectStorage(),
		Bucket:         a.Config.MinIO.Bucket,
		ReplayDir:      cfg.ReplayDir,
		StorageTimeout: cfg.StorageTimeout,
	})
	return err
}

// UploadConsumer subscribes the registry to upload events. It returns nil when
// Kafka is not configured.
func (a *App) UploadConsumer(ctx context.Context) (*service.UploadConsumer, error) {
	if a.Queue == nil {
		return nil, nil
	}
	consumer := service.NewUploadConsumer(a.Queue, a.Registry)
	if err := consumer.Subscribe(ctx, a.Config.Kafka.UploadTopic, a.Config.Kafka.subscribeOptions()); err != nil {
		return nil, err
	}
	return consumer, nil
}

// Shutdown stops the loop, waiting for the running match up to ctx.
func (a *App) Shutdown(ctx context.Context) {
	if a.Loop == nil {
		return
	}
	if err := a.Loop.Stop(ctx); err != nil {
		logger.Warn(ctx, "scheduling loop did not stop in time", zap.Error(err))
	}
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
