package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"decision-server/internal/config"
	"decision-server/internal/gateway"
	"decision-server/internal/handler"
	"decision-server/internal/metrics"
	"decision-server/internal/parser"
	"decision-server/internal/service"
	"decision-server/internal/vocabulary"
	"decision-server/internal/worker"
	"decision-server/shared/logger"
	"decision-server/shared/messaging"
	"decision-server/shared/messaging/consumer"
	"decision-server/shared/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func main() {
	// .env нужен только для локальной разработки, в контейнере его нет
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic("ошибка загрузки конфигурации: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "decision-server",
	})
	if err != nil {
		panic("ошибка инициализации логгера: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	log.Info("Запуск сервиса принятия решений",
		zap.String("env", cfg.Env),
		zap.String("backend", cfg.AIClientType),
		zap.String("model", cfg.AIModel),
		zap.String("apiKey", cfg.MaskedAPIKey()))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Словарь действий фиксируется на старте; пайплайн никогда не
	// придумывает действий вне него
	vocab := vocabulary.Default()

	// Телеметрия
	collector := metrics.NewCollector(metrics.Options{
		SnapshotCapacity: cfg.SnapshotCapacity,
		RequestCapacity:  cfg.RequestCapacity,
	})
	prom := metrics.NewProm(log)
	if err := prom.InitPusher(cfg.PushgatewayURL); err != nil {
		log.Warn("Pushgateway недоступен, пушер отключен", zap.Error(err))
	}
	defer prom.Cleanup()

	// Шлюз генерации
	backend, err := gateway.NewBackend(cfg, log)
	if err != nil {
		log.Fatal("Ошибка инициализации бэкенда", zap.Error(err))
	}
	gw := gateway.New(backend, vocab, gateway.Options{
		MaxAttempts:    cfg.AIMaxAttempts,
		BaseRetryDelay: cfg.AIBaseRetryDelay,
		AttemptTimeout: cfg.AITimeout,
	}, log)
	gw.SetObserver(prom)

	normalizer := parser.New(vocab)
	decisionService := service.NewDecisionService(gw, normalizer, collector, prom, log)

	// RabbitMQ
	conn, err := connectRabbitMQ(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Не удалось подключиться к RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	if err := declareTopology(conn); err != nil {
		log.Fatal("Ошибка объявления топологии RabbitMQ", zap.Error(err))
	}

	publisher, err := messaging.NewResultPublisher(conn, log)
	if err != nil {
		log.Fatal("Ошибка создания издателя результатов", zap.Error(err))
	}
	defer func() { _ = publisher.Close() }()

	processor := worker.NewTaskProcessor(decisionService, publisher, log)
	taskConsumer := consumer.NewDecisionConsumer(conn, processor, log, cfg.WorkerPrefetch)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := taskConsumer.Start(rootCtx); err != nil {
		log.Fatal("Ошибка запуска консьюмера задач", zap.Error(err))
	}

	// Периодические снимки состояния очереди
	watcher := worker.NewQueueWatcher(conn, processor, cfg.WorkerPrefetch, collector, prom, log)
	go watcher.Run(rootCtx, cfg.SnapshotInterval)

	// Периодический пуш метрик в Pushgateway
	pusherStop := make(chan struct{})
	prom.StartPusher(cfg.PushInterval, pusherStop)

	// HTTP API
	router := gin.New()
	router.Use(middleware.ZapLoggingMiddlewareForGin(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := cfg.GetAllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	apiHandler := handler.NewHandler(decisionService, collector, log)
	apiHandler.RegisterRoutes(router)

	// Prometheus middleware применяется после регистрации роутов
	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // синхронный запрос живет до исчерпания ретраев
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("HTTP API сервер запущен", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Ошибка HTTP сервера", zap.Error(err))
		}
	}()

	// Отдельный сервер метрик Prometheus
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux(prom),
	}
	go func() {
		log.Info("Сервер метрик запущен", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Ошибка сервера метрик", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Останавливаем сервис...")

	close(pusherStop)
	taskConsumer.Stop()
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Принудительная остановка HTTP сервера", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("Принудительная остановка сервера метрик", zap.Error(err))
	}

	log.Info("Сервис остановлен")
}

func metricsMux(prom *metrics.Prom) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	return mux
}

// connectRabbitMQ подключается к RabbitMQ с несколькими попытками:
// при старте в docker-compose брокер может подниматься дольше сервиса.
func connectRabbitMQ(url string, log *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	const maxRetries = 5
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("Не удалось подключиться к RabbitMQ, повтор",
			zap.Int("attempt", i+1),
			zap.Int("maxRetries", maxRetries),
			zap.Duration("retryDelay", retryDelay),
			zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, err
}

// declareTopology объявляет DLX, DLQ и основную очередь задач.
// Идемпотентно, безопасно при рестартах.
func declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(
		messaging.DeadLetterExchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		messaging.DeadLetterQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	if err := ch.QueueBind(
		messaging.DeadLetterQueue,
		messaging.DeadLetterRoutingKey,
		messaging.DeadLetterExchange,
		false,
		nil,
	); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		messaging.TaskQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    messaging.DeadLetterExchange,
			"x-dead-letter-routing-key": messaging.DeadLetterRoutingKey,
		},
	)
	return err
}
