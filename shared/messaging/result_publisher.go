package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ResultPublisher публикует готовые решения в fanout exchange.
// Предполагается, что соединение уже установлено; переподключениями
// управляет внешний код.
type ResultPublisher struct {
	ch     *amqp.Channel
	logger *zap.Logger
}

// NewResultPublisher открывает канал и объявляет exchange результатов.
func NewResultPublisher(conn *amqp.Connection, logger *zap.Logger) (*ResultPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// durable fanout, переживает перезапуск брокера
	err = ch.ExchangeDeclare(
		ResultExchange, // name
		"fanout",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", ResultExchange, err)
	}

	return &ResultPublisher{ch: ch, logger: logger.Named("ResultPublisher")}, nil
}

// Publish отправляет результат решения.
func (p *ResultPublisher) Publish(ctx context.Context, result DecisionResultPayload) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal decision result: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		ResultExchange, // exchange
		"",             // routing key (fanout)
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
			MessageId:   result.TaskID,
		},
	)
	if err != nil {
		p.logger.Error("Не удалось опубликовать результат",
			zap.String("taskID", result.TaskID), zap.Error(err))
		return fmt.Errorf("failed to publish decision result: %w", err)
	}

	p.logger.Debug("Результат опубликован",
		zap.String("taskID", result.TaskID),
		zap.String("status", string(result.Status)))
	return nil
}

// Close закрывает канал издателя.
func (p *ResultPublisher) Close() error {
	return p.ch.Close()
}
