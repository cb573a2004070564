package worker

import (
	"context"
	"time"

	"decision-server/shared/messaging"
	"decision-server/shared/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// SnapshotRecorder принимает периодические снимки состояния очереди.
type SnapshotRecorder interface {
	RecordSnapshot(s models.QueueSnapshot)
}

// GaugeRecorder отражает текущую длину очереди в Prometheus.
type GaugeRecorder interface {
	RecordQueueLength(n int)
}

// queueInspector опрашивает длину очереди задач.
type queueInspector interface {
	QueueLength() (int, error)
	Close() error
}

// amqpInspector - опрос через пассивное переобъявление очереди.
type amqpInspector struct {
	ch *amqp.Channel
}

func (a *amqpInspector) QueueLength() (int, error) {
	q, err := a.ch.QueueDeclarePassive(
		messaging.TaskQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    messaging.DeadLetterExchange,
			"x-dead-letter-routing-key": messaging.DeadLetterRoutingKey,
		},
	)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

func (a *amqpInspector) Close() error {
	return a.ch.Close()
}

// QueueWatcher периодически опрашивает очередь задач и пишет снимки
// в коллектор. Отдельный канал нужен, чтобы опрос не конкурировал
// с каналом консьюмера.
type QueueWatcher struct {
	openInspector func() (queueInspector, error)
	processor     *TaskProcessor
	capacity      int
	collector     SnapshotRecorder
	gauge         GaugeRecorder
	logger        *zap.Logger

	insp queueInspector
}

func NewQueueWatcher(conn *amqp.Connection, processor *TaskProcessor, capacity int, collector SnapshotRecorder, gauge GaugeRecorder, logger *zap.Logger) *QueueWatcher {
	return &QueueWatcher{
		openInspector: func() (queueInspector, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return &amqpInspector{ch: ch}, nil
		},
		processor: processor,
		capacity:  capacity,
		collector: collector,
		gauge:     gauge,
		logger:    logger.Named("QueueWatcher"),
	}
}

// Run блокируется до отмены контекста. Запускать в отдельной горутине.
func (w *QueueWatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		if w.insp != nil {
			_ = w.insp.Close()
			w.insp = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Опрос очереди остановлен")
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// sample снимает одно измерение. Ошибка QueueDeclarePassive - канальная:
// брокер закрывает канал со своей стороны, поэтому канал выбрасывается и
// на следующем тике открывается заново.
func (w *QueueWatcher) sample() {
	if w.insp == nil {
		insp, err := w.openInspector()
		if err != nil {
			w.logger.Warn("Не удалось открыть канал для опроса очереди", zap.Error(err))
			return
		}
		w.insp = insp
	}

	queueLen, err := w.insp.QueueLength()
	if err != nil {
		w.logger.Warn("Ошибка опроса очереди задач, канал будет переоткрыт", zap.Error(err))
		_ = w.insp.Close()
		w.insp = nil
		return
	}

	active := w.processor.Active()
	available := w.capacity - active
	if available < 0 {
		available = 0
	}

	w.collector.RecordSnapshot(models.QueueSnapshot{
		Timestamp:         time.Now(),
		QueueLength:       queueLen,
		ActiveWorkers:     active,
		AvailableCapacity: available,
	})
	if w.gauge != nil {
		w.gauge.RecordQueueLength(queueLen)
	}
}
