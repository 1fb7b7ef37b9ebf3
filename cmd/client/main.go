package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go-im-client/internal/handler"
	"go-im-client/internal/infra"
	"go-im-client/internal/metrics"
	"go-im-client/internal/model"
	"go-im-client/internal/repository"
	"go-im-client/internal/service"
	"go-im-client/internal/transport"
)

const publishTimeout = 3 * time.Second

func main() {
	infra.ConfigureLogger()
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("client exited")
	}
	logrus.Info("客户端已关闭")
}

func run() error {
	cfg := infra.LoadConfig()
	if cfg.UserID == "" {
		return errors.New("IM_USER_ID 不能为空")
	}
	log := logrus.WithField("user_id", cfg.UserID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 构建依赖
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	m := metrics.New()
	hub := service.NewEventHub()
	sinks := service.Sinks{hub}
	// 状态回调运行在读循环上，下游投递交给后台 worker
	events := service.NewAsyncSink(&sinks, service.AsyncSinkOptions{Timeout: publishTimeout})
	publish := func(evt service.Event) {
		_ = events.Publish(context.Background(), evt)
	}

	dialer := transport.NewWebSocketDialer(cfg.ServerURL, transport.WebSocketOptions{})
	queue := service.NewDurableQueue(store, cfg.QueueMax)
	session := service.NewSession(dialer, queue, service.SessionOptions{
		Identity:       cfg.UserID,
		Logger:         logrus.WithFields(logrus.Fields{"component": "session", "user_id": cfg.UserID}),
		Metrics:        m,
		AckTimeout:     cfg.AckTimeout,
		DrainPacing:    cfg.DrainPacing,
		HeadPolicy:     service.ParseHeadPolicy(cfg.HeadPolicy),
		LedgerCapacity: cfg.LedgerCapacity,
		Reconnect: service.ReconnectOptions{
			MaxAttempts: cfg.ReconnectMax,
			BaseBackoff: cfg.ReconnectBase,
			MaxBackoff:  cfg.ReconnectCap,
		},
		StatusObserver: func(id string, status model.Status) {
			publish(service.StatusEvent(id, status, time.Now()))
		},
	})
	if err := session.Restore(ctx); err != nil {
		events.Stop()
		return multierr.Append(fmt.Errorf("restore queue: %w", err), closeStore())
	}

	onMessage := func(msgs []model.Message) {
		log.WithField("count", len(msgs)).Debug("inbound messages")
		publish(service.MessageEvent(msgs, time.Now()))
	}

	g, gctx := errgroup.WithContext(ctx)

	var rmq *amqp.Connection
	if cfg.RabbitEnabled {
		var consumerDone <-chan struct{}
		rmq, consumerDone, err = startRabbit(gctx, session, &sinks)
		if err != nil {
			// MQ 不可用时只降级，不影响本地投递
			log.WithError(err).Warn("RabbitMQ 未就绪，跳过事件发布与发送队列")
			rmq = nil
		} else {
			g.Go(func() error {
				<-consumerDone
				return nil
			})
		}
	}

	housekeeper := service.NewHousekeeper(session, service.HousekeeperOptions{})

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		handler.NewHandler(session, hub, m, onMessage).Register(router)
		httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: router}

		g.Go(func() error {
			log.WithField("addr", cfg.HTTPAddr).Info("控制 API 启动")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	session.Connect(cfg.UserID, onMessage)

	// 监听系统信号，优雅退出
	g.Go(func() error {
		<-gctx.Done()
		housekeeper.Stop()
		if httpServer == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	err = g.Wait()
	err = multierr.Append(err, session.Close())
	// 断开后产生的最后一批状态事件也要投递完
	events.Stop()
	if rmq != nil {
		err = multierr.Append(err, rmq.Close())
	}
	return multierr.Append(err, closeStore())
}

// openStore 按 IM_STORE 选择快照存储，返回的 close 函数释放底层连接。
func openStore(ctx context.Context, cfg infra.Config) (repository.SnapshotStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case "memory":
		logrus.Warn("using in-memory store, queue will not survive restart")
		return repository.NewMemoryStore(), noop, nil
	case "redis":
		rcfg := infra.LoadRedisConfig()
		client := infra.NewRedisClient(rcfg)
		if err := infra.PingRedis(ctx, client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return repository.NewRedisStore(client, rcfg.KeyPrefix(cfg.UserID)), client.Close, nil
	case "mysql":
		db, err := infra.NewDB()
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := repository.NewMySQLStore(db)
		if err != nil {
			return nil, nil, multierr.Append(err, sqlDB.Close())
		}
		return store, sqlDB.Close, nil
	case "sqlite", "":
		// Session.Close 负责关闭
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// startRabbit 声明拓扑，把 EventPublisher 加入 sinks，并启动 SendConsumer。
func startRabbit(ctx context.Context, session *service.Session, sinks *service.Sinks) (*amqp.Connection, <-chan struct{}, error) {
	rcfg := infra.LoadRabbitMQConfig()
	conn, err := infra.NewRabbitMQ(rcfg)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*amqp.Connection, <-chan struct{}, error) {
		return nil, nil, multierr.Append(err, conn.Close())
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fail(err)
	}
	if err := infra.PrepareRabbitTopology(pubCh, rcfg); err != nil {
		return fail(err)
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		return fail(err)
	}
	if err := consumeCh.Qos(16, 0, false); err != nil {
		return fail(err)
	}

	// 先接入发布端，消费者投递的消息状态同样需要发布
	*sinks = append(*sinks, service.NewEventPublisher(pubCh, rcfg.EventExchange, "im.client"))
	done, err := service.NewSendConsumer(consumeCh, rcfg.SendQueue, session).Start(ctx)
	if err != nil {
		*sinks = (*sinks)[:len(*sinks)-1]
		return fail(err)
	}
	logrus.WithFields(logrus.Fields{
		"exchange": rcfg.EventExchange,
		"queue":    rcfg.SendQueue,
	}).Info("RabbitMQ 事件发布与发送队列已启用")
	return conn, done, nil
}
