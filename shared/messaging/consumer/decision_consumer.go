// Package consumer содержит консьюмера задач принятия решений из RabbitMQ.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"decision-server/shared/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskHandler обрабатывает одну задачу. Возвращенная ошибка отправляет
// сообщение в DLQ (nack без requeue) - бесконечных повторов нет, ретраи
// бэкенда живут внутри самого пайплайна.
type TaskHandler interface {
	Handle(ctx context.Context, payload messaging.DecisionTaskPayload) error
}

// DecisionConsumer слушает очередь задач принятия решений.
type DecisionConsumer struct {
	conn        *amqp.Connection
	handler     TaskHandler
	logger      *zap.Logger
	prefetch    int
	channel     *amqp.Channel
	consumerTag string
	mu          sync.Mutex
	cancelFunc  context.CancelFunc
	stopChan    chan struct{}
}

// NewDecisionConsumer создает консьюмера. prefetch ограничивает число
// невыкупленных сообщений - это внешний backpressure пайплайна.
func NewDecisionConsumer(conn *amqp.Connection, handler TaskHandler, logger *zap.Logger, prefetch int) *DecisionConsumer {
	if prefetch <= 0 {
		prefetch = 4
	}
	return &DecisionConsumer{
		conn:     conn,
		handler:  handler,
		logger:   logger.Named("DecisionConsumer"),
		prefetch: prefetch,
		stopChan: make(chan struct{}),
	}
}

// Start запускает консьюмера в отдельной горутине.
func (c *DecisionConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		return errors.New("DecisionConsumer уже запущен")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("ошибка открытия канала для DecisionConsumer: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("ошибка установки QoS: %w", err)
	}

	// Очередь объявляет main вместе с DLX; здесь только подписка.
	c.consumerTag = "decision-consumer"
	deliveries, err := ch.Consume(
		messaging.TaskQueueName, // queue
		c.consumerTag,           // consumer tag
		false,                   // auto-ack выключен, ack вручную
		false,                   // exclusive
		false,                   // no-local
		false,                   // no-wait
		nil,                     // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("ошибка подписки на очередь %q: %w", messaging.TaskQueueName, err)
	}

	c.channel = ch
	localCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	go c.consumeLoop(localCtx, deliveries)

	c.logger.Info("Консьюмер задач запущен",
		zap.String("queue", messaging.TaskQueueName),
		zap.Int("prefetch", c.prefetch))
	return nil
}

func (c *DecisionConsumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.stopChan)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Консьюмер остановлен по контексту")
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Канал доставки закрыт брокером")
				return
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *DecisionConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var payload messaging.DecisionTaskPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		// Мусорное сообщение ни к чему ретраить - сразу в DLQ
		c.logger.Error("Невалидный JSON задачи, отправляем в DLQ", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Ошибка nack", zap.Error(nackErr))
		}
		return
	}

	if err := c.handler.Handle(ctx, payload); err != nil {
		c.logger.Error("Обработка задачи завершилась ошибкой, отправляем в DLQ",
			zap.String("taskID", payload.TaskID), zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Ошибка nack", zap.Error(nackErr))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("Ошибка ack", zap.String("taskID", payload.TaskID), zap.Error(err))
	}
}

// Stop останавливает консьюмера и дожидается завершения цикла обработки.
func (c *DecisionConsumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return
	}

	if err := c.channel.Cancel(c.consumerTag, false); err != nil {
		c.logger.Warn("Ошибка отмены подписки", zap.Error(err))
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	<-c.stopChan

	if err := c.channel.Close(); err != nil {
		c.logger.Warn("Ошибка закрытия канала", zap.Error(err))
	}
	c.channel = nil
	c.logger.Info("Консьюмер задач остановлен")
}
