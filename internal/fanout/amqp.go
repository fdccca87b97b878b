package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

const DefaultAMQPExchange = "aero.signaling"

type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *slog.Logger
}

// AMQP is a brokered fanout backed by a RabbitMQ direct exchange. Each process
// owns one exclusive, auto-deleted queue; the queue is bound to a group's
// routing key while at least one local subscriber exists, and deliveries are
// dispatched to local subscribers through a Hub.
//
// Messages published by this process come back through the broker like any
// other, so local subscribers are never delivered to directly by Publish.
type AMQP struct {
	log      *slog.Logger
	exchange string

	conn  *amqp.Connection
	subCh *amqp.Channel
	queue string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	bindMu sync.Mutex
	bound  map[string]int

	local *Hub
	done  chan struct{}

	closeOnce sync.Once
}

func DialAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("fanout: amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultAMQPExchange
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("fanout: dial amqp: %w", err)
	}

	a, err := newAMQP(conn, cfg.Exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func newAMQP(conn *amqp.Connection, exchange string, logger *slog.Logger) (*AMQP, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("fanout: open publish channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(
		exchange,
		amqp.ExchangeDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("fanout: declare exchange %q: %w", exchange, err)
	}

	subCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("fanout: open consume channel: %w", err)
	}
	q, err := subCh.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("fanout: declare queue: %w", err)
	}
	deliveries, err := subCh.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("fanout: consume %q: %w", q.Name, err)
	}

	a := &AMQP{
		log:      logger,
		exchange: exchange,
		conn:     conn,
		subCh:    subCh,
		queue:    q.Name,
		pubCh:    pubCh,
		bound:    make(map[string]int),
		local:    NewHub(),
		done:     make(chan struct{}),
	}
	go a.consume(deliveries)

	logger.Info("amqp fanout ready", "exchange", exchange, "queue", q.Name)
	return a, nil
}

func (a *AMQP) consume(deliveries <-chan amqp.Delivery) {
	defer close(a.done)
	for d := range deliveries {
		msg, err := decodeMessage(d.Body, d.RoutingKey)
		if err != nil {
			a.log.Warn("dropping malformed fanout delivery", "routing_key", d.RoutingKey, "err", err)
			continue
		}
		if err := a.local.Publish(context.Background(), msg); err != nil && !errors.Is(err, ErrClosed) {
			a.log.Warn("local fanout dispatch failed", "group", msg.Group, "err", err)
		}
	}
}

func (a *AMQP) Subscribe(group string, sub Subscriber) error {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()

	if a.bound[group] == 0 {
		if err := a.subCh.QueueBind(a.queue, group, a.exchange, false, nil); err != nil {
			return fmt.Errorf("fanout: bind %q: %w", group, err)
		}
	}
	if err := a.local.Subscribe(group, sub); err != nil {
		if a.bound[group] == 0 {
			_ = a.subCh.QueueUnbind(a.queue, group, a.exchange, nil)
		}
		return err
	}
	a.bound[group]++
	return nil
}

func (a *AMQP) Unsubscribe(group string, sub Subscriber) error {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()

	if err := a.local.Unsubscribe(group, sub); err != nil {
		return err
	}
	n, ok := a.bound[group]
	if !ok {
		return nil
	}
	if n > 1 {
		a.bound[group] = n - 1
		return nil
	}
	delete(a.bound, group)
	if err := a.subCh.QueueUnbind(a.queue, group, a.exchange, nil); err != nil {
		return fmt.Errorf("fanout: unbind %q: %w", group, err)
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fanout: encode: %w", err)
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	if err := a.pubCh.Publish(
		a.exchange,
		msg.Group,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return fmt.Errorf("fanout: publish %q: %w", msg.Group, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	var err error
	a.closeOnce.Do(func() {
		_ = a.local.Close()
		err = a.conn.Close()
		<-a.done
	})
	return err
}

func decodeMessage(body []byte, routingKey string) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, err
	}
	if msg.Group == "" {
		msg.Group = routingKey
	}
	if len(msg.Data) == 0 {
		return Message{}, errors.New("missing data")
	}
	return msg, nil
}
