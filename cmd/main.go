package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/config"
	"github.com/lvdashuaibi/teamvote/internal/api"
	"github.com/lvdashuaibi/teamvote/internal/api/graph"
	"github.com/lvdashuaibi/teamvote/internal/auth"
	intkafka "github.com/lvdashuaibi/teamvote/internal/kafka"
	"github.com/lvdashuaibi/teamvote/internal/lock"
	"github.com/lvdashuaibi/teamvote/internal/metrics"
	"github.com/lvdashuaibi/teamvote/internal/reconcile"
	"github.com/lvdashuaibi/teamvote/internal/repository"
	"github.com/lvdashuaibi/teamvote/internal/service"
	"github.com/lvdashuaibi/teamvote/internal/summary"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	logger := newLogger(cfg.Log).WithField("instance", *instanceID)
	logger.Info("配置加载成功")

	metrics.Register()
	ctx := context.Background()
	loc := cfg.Location()

	// 存储后端
	backend, closeBackend, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("初始化存储失败: %v", err)
	}
	defer closeBackend()
	store := table.NewTimed(backend, cfg.Store.Timeout, logger)

	repoOpts := repository.Options{
		ReadRetries: cfg.Store.ReadRetries,
		RetryDelay:  cfg.Store.RetryDelay,
		Location:    loc,
		Logger:      logger,
	}
	topicOpts := repoOpts
	topicOpts.Table = cfg.Store.TopicsTable
	voteOpts := repoOpts
	voteOpts.Table = cfg.Store.VotesTable

	topics := repository.NewTopicStore(store, topicOpts)
	votes := repository.NewVoteStore(store, voteOpts)
	if err := topics.EnsureSchema(ctx); err != nil {
		logger.Fatalf("初始化议题表失败: %v", err)
	}
	if err := votes.EnsureSchema(ctx); err != nil {
		logger.Fatalf("初始化投票表失败: %v", err)
	}
	logger.WithField("backend", cfg.Store.Backend).Info("存储初始化成功")

	// 票闸与对账 leader 锁
	distributedLock, err := openLock(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()

	gateOpts := []lock.GateOption{lock.WithGateLogger(logger)}
	if cfg.Gate.Backend != "local" {
		gateOpts = append(gateOpts, lock.WithDistributedLock(distributedLock, cfg.Gate.LockTTL, cfg.Gate.RetryInterval))
	}
	gate := lock.NewGate(gateOpts...)
	logger.WithField("backend", cfg.Gate.Backend).Info("票闸初始化成功")

	reconciler := reconcile.New(votes,
		reconcile.WithLeaderLock(distributedLock),
		reconcile.WithInterval(cfg.Reconcile.Interval),
		reconcile.WithLogger(logger),
	)

	svcOpts := []service.Option{
		service.WithLogger(logger),
		service.WithOperationTimeout(cfg.Server.OperationTimeout),
		service.WithReconciler(reconciler),
	}

	if cfg.Redis.DataAddress != "" {
		tallyCache, err := repository.NewTallyCache(ctx)
		if err != nil {
			logger.WithError(err).Warn("Redis票数缓存不可用，将直接读存储")
		} else {
			defer tallyCache.Close()
			svcOpts = append(svcOpts, service.WithTallyCache(tallyCache))
			logger.Info("Redis票数缓存初始化成功")
		}
	}

	var producer *intkafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = intkafka.NewProducer(ctx, logger)
		if err != nil {
			logger.Fatalf("初始化Kafka生产者失败: %v", err)
		}
		defer producer.Close()
		svcOpts = append(svcOpts, service.WithPublisher(producer))
		logger.Info("Kafka生产者初始化成功")
	}

	if cfg.Summary.Enabled {
		client, err := summary.NewClient(ctx, summary.Options{
			Endpoint: cfg.Summary.Endpoint,
			Model:    cfg.Summary.Model,
			APIKey:   cfg.Summary.APIKey,
		})
		if err != nil {
			logger.WithError(err).Warn("摘要服务不可用，结果将不带摘要")
		} else {
			svcOpts = append(svcOpts, service.WithSummarizer(client, cfg.Summary.Timeout))
			logger.WithField("model", cfg.Summary.Model).Info("摘要服务已启用")
		}
	}

	votingService := service.NewVotingService(topics, votes, gate, svcOpts...)
	reconciler.SetResolvedHook(votingService.InvalidateTally)
	logger.Info("投票服务初始化成功")

	if cfg.Reconcile.Enabled {
		reconciler.Start()
		defer reconciler.Stop()
		logger.WithField("interval", cfg.Reconcile.Interval).Info("对账任务已启动")
	}

	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer(ctx, logger)
		if err != nil {
			logger.Fatalf("初始化Kafka消费者失败: %v", err)
		}
		defer consumer.Stop()
		consumer.StartConsuming(votingService.ProcessVoteEvent)
		logger.Info("Kafka消费者已启动")
	}

	var google *auth.GoogleLogin
	if cfg.OAuth.ClientID != "" {
		google = auth.NewGoogleLogin(auth.GoogleOptions{
			ClientID:      cfg.OAuth.ClientID,
			ClientSecret:  cfg.OAuth.ClientSecret,
			RedirectURL:   cfg.OAuth.RedirectURL,
			UserInfoURL:   cfg.OAuth.UserInfoURL,
			AllowedDomain: cfg.OAuth.AllowedDomain,
		})
	} else {
		logger.Warn("未配置 oauth.client_id，Google登录不可用")
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Service: votingService,
		GraphQL: graph.NewGraphQLServer(votingService, loc, logger,
			graph.WithMutationRateLimit(cfg.Server.VoteRatePerMinute, cfg.Server.VoteBurst)),
		GraphQLPath:   cfg.GraphQL.Path,
		Sessions:      auth.NewSessionManager(cfg.Session.Secret, cfg.Session.Issuer, cfg.Session.TTL),
		Google:        google,
		Logger:        logger,
		SecureCookies: strings.HasPrefix(cfg.OAuth.RedirectURL, "https://"),
	})

	// 支持同机多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", serverPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()
	logger.Infof("TeamVote 已启动，服务地址: http://localhost:%d", serverPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP服务器关闭失败")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (table.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sheets":
		s, err := table.NewSheetsStore(ctx, cfg.Sheets.SpreadsheetID, cfg.Sheets.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "mysql":
		s, err := table.NewMySQLStore(table.MySQLOptions{
			Master:       cfg.MySQL.Master,
			Slave:        cfg.MySQL.Slave,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		logger.Warn("使用内存存储，数据不会持久化")
		return table.NewMemoryStore(), func() {}, nil
	}
}

func openLock(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (lock.Lock, error) {
	switch cfg.Gate.Backend {
	case "etcd":
		return lock.NewETCDLock(ctx, logger)
	case "redis":
		return lock.NewRedLock(ctx, logger)
	default:
		return lock.NewLocalLock(), nil
	}
}
