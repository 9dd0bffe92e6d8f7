package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wisefido-incident/common/database"
	"wisefido-incident/common/mqtt"
	"wisefido-incident/common/redis"
	"wisefido-incident/internal/config"
	"wisefido-incident/internal/dispatch"
	"wisefido-incident/internal/engine"
	httpapi "wisefido-incident/internal/http"
	"wisefido-incident/internal/notify"
	"wisefido-incident/internal/offlinesync"
	"wisefido-incident/internal/repository"
)

// IncidentService 事件协调服务（整合各层）
type IncidentService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	store      repository.Store
	notify     *notify.Service
	engine     *engine.Engine
	sync       *offlinesync.Service
	dispatcher *dispatch.Dispatcher
	scheduler  *Scheduler
	router     *httpapi.Router
	server     *Server
}

// NewIncidentService connects the configured backends; disabled ones fall back to memory.
func NewIncidentService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*IncidentService, error) {
	s := &IncidentService{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	// 1. 存储：Postgres 或内存
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := database.Migrate(ctx, db); err != nil {
			return nil, err
		}
		s.store = repository.NewPostgresStore(db, logger)
	} else {
		logger.Warn("DB_ENABLED=false, using in-memory incident store")
		s.store = repository.NewMemoryStore()
	}

	// 2. Redis：快照缓存、转发队列、pub/sub 推送
	var (
		kv    notify.KV
		queue dispatch.JobQueue
		sinks []notify.Sink
	)
	if cfg.RedisEnabled {
		s.redisClient = redis.NewRedisClient(&cfg.Redis)
		if err := redis.Ping(ctx, s.redisClient); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		kv = notify.NewRedisKV(s.redisClient)
		sq, err := dispatch.NewStreamQueue(ctx, s.redisClient, cfg.Dispatch.Stream, cfg.Dispatch.ConsumerGroup,
			cfg.Dispatch.ConsumerName, logger)
		if err != nil {
			return nil, err
		}
		queue = sq
		sinks = append(sinks, notify.NewRedisPubSubSink(s.redisClient, cfg.Notify.PubSubChannel))
	} else {
		kv = notify.NewMemoryKV()
		queue = dispatch.NewMemoryQueue(0)
	}

	// 3. MQTT 推送（可选）
	if cfg.MQTTEnabled {
		c, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		s.mqttClient = c
		sinks = append(sinks, notify.NewMQTTSink(c, cfg.MQTT.TopicPrefix, cfg.Notify.SinkTimeout))
	}

	// 4. 通知扇出 + 状态机
	s.notify = notify.NewService(s.store, notify.NewHub(),
		notify.NewSnapshotCache(kv, cfg.Notify.SnapshotPrefix, cfg.Notify.SnapshotTTL),
		logger,
		notify.Options{
			Retention:   cfg.Notify.Retention,
			ReplayLimit: cfg.Notify.ReplayLimit,
			HubBuffer:   cfg.Notify.HubBuffer,
			SinkTimeout: cfg.Notify.SinkTimeout,
		},
		sinks...)
	s.engine = engine.New(s.store, s.notify, logger)

	// 5. 离线回放
	s.sync = offlinesync.NewService(s.engine, s.store, logger, offlinesync.Options{
		OperationTimeout: cfg.Sync.OperationTimeout,
		MaxBatchSize:     cfg.Sync.MaxBatchSize,
	})

	// 6. 外部转发
	policy, err := dispatch.LoadPolicy(cfg.Dispatch.IntegrationsFile)
	if err != nil {
		return nil, err
	}
	s.dispatcher = dispatch.New(s.store, queue, dispatch.NewRegistry(policy, logger), policy, s.notify, logger,
		dispatch.Options{
			Workers:     cfg.Dispatch.Workers,
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseBackoff: cfg.Dispatch.BaseBackoff,
			MaxBackoff:  cfg.Dispatch.MaxBackoff,
			SendTimeout: cfg.Dispatch.SendTimeout,
			RateLimit:   cfg.Dispatch.RateLimit,
			RateBurst:   cfg.Dispatch.RateBurst,
		})
	s.notify.SetTrigger(s.dispatcher)

	// 7. 定时任务
	s.scheduler = NewScheduler(logger)
	if err := s.scheduler.Add("notify-purge", cfg.Notify.PurgeSchedule, func(ctx context.Context) error {
		_, err := s.notify.Purge(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.scheduler.Add("dispatch-retry", cfg.Dispatch.RetrySchedule, func(ctx context.Context) error {
		_, err := s.dispatcher.RetryDue(ctx, time.Now().UTC())
		return err
	}); err != nil {
		return nil, err
	}

	// 8. HTTP
	s.router = httpapi.NewRouter(logger)
	s.router.RegisterIncidentRoutes(httpapi.NewIncidentHandler(s.engine, s.store, s.notify, logger))
	s.router.RegisterSyncRoutes(httpapi.NewSyncHandler(s.sync, logger))
	s.router.RegisterIntegrationRoutes(httpapi.NewIntegrationHandler(s.dispatcher, s.store, logger))
	s.router.RegisterNotificationRoutes(httpapi.NewNotificationHandler(s.notify, logger))
	s.server = NewServer(cfg.HTTP.Addr, s.router, logger)

	logger.Info("Incident service initialized",
		zap.Bool("db_enabled", cfg.DBEnabled),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.Bool("mqtt_enabled", cfg.MQTTEnabled),
		zap.Int("integrations", len(policy.Services)))
	ok = true
	return s, nil
}

func (s *IncidentService) Handler() http.Handler { return s.router }

// Run serves HTTP, runs the dispatcher workers and the cron schedules until
// ctx is done or one of them fails.
func (s *IncidentService) Run(ctx context.Context) error {
	// records left pending by a previous process
	if n, err := s.dispatcher.RetryDue(ctx, time.Now().UTC()); err != nil {
		s.logger.Warn("Startup retry sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("Startup retry sweep re-enqueued jobs", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.scheduler.Run(gctx) })
	return g.Wait()
}

// Close 关闭外部连接
func (s *IncidentService) Close() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := redis.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
}
