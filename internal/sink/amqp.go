package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSurface публикует обновления JSON-сообщениями в fanout exchange RabbitMQ.
// Routing key — fileId.
type AMQPSurface struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	// mu сериализует публикации в канал
	mu      sync.Mutex
	channel *amqp.Channel
}

// DialAMQP подключается к брокеру и объявляет exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPSurface, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("создание канала RabbitMQ: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("объявление exchange %s: %w", exchange, err)
	}

	l := logger.With(slog.String("component", "live_amqp"))
	l.Info("RabbitMQ exchange объявлен", slog.String("exchange", exchange))

	return &AMQPSurface{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   l,
	}, nil
}

func (a *AMQPSurface) Name() string { return "amqp" }

func (a *AMQPSurface) Send(ctx context.Context, u Update) error {
	msg, err := publishing(u, time.Now())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.channel.PublishWithContext(ctx, a.exchange, u.FileID, false, false, msg); err != nil {
		return fmt.Errorf("публикация в %s: %w", a.exchange, err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (a *AMQPSurface) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		a.channel.Close()
	}
	return a.conn.Close()
}

// publishing формирует AMQP-сообщение для обновления.
// Промежуточный прогресс не переживает рестарт брокера, терминальные статусы персистентны.
func publishing(u Update, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("сериализация обновления: %w", err)
	}
	mode := amqp.Transient
	if u.Terminal() {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Timestamp:    now,
		Type:         string(u.Status),
		Body:         body,
	}, nil
}
