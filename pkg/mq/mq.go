package mq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"vmfuzz/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConnectionPoolSize = 4
)

var ErrNoConnection = errors.New("no active RabbitMQ connections")

type RabbitMQ interface {
	// GetChannel opens a channel the caller owns and must close. Nil when
	// no connection is available.
	GetChannel() *amqp.Channel
	// DeclareQueue declares a durable queue on a short lived channel.
	DeclareQueue(name string) error
	// Publish sends one message to queue on the shared publishing channel.
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context
	connections []*MQConnection
	mu          sync.Mutex

	pubMu      sync.Mutex
	pubChannel *amqp.Channel
}

type MQConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger.Named("mq"),
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
		connections: make([]*MQConnection, 0, ConnectionPoolSize),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.logger.Debug("Initializing RabbitMQ connection pool", zap.Int("pool_size", ConnectionPoolSize))
			for range ConnectionPoolSize {
				mConn, err := svc.newMQConnection()
				if err != nil {
					svc.logger.Error("Failed to create initial RabbitMQ connection", zap.Error(err))
					return err
				}
				svc.mu.Lock()
				svc.connections = append(svc.connections, mConn)
				svc.mu.Unlock()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.pubMu.Lock()
			if svc.pubChannel != nil {
				svc.pubChannel.Close()
				svc.pubChannel = nil
			}
			svc.pubMu.Unlock()
			cancel()
			return nil
		},
	})
	return svc
}

// getActiveConnection drops closed connections, refills the pool and
// returns a random live one.
func (r *rabbitMQImpl) getActiveConnection() (*MQConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.connections[:0]
	for _, c := range r.connections {
		if !c.isClosed() {
			live = append(live, c)
		}
	}
	r.connections = live

	if needed := ConnectionPoolSize - len(r.connections); needed > 0 {
		r.logger.Debug("Refilling RabbitMQ connection pool", zap.Int("needed", needed))
		for range needed {
			mConn, err := r.newMQConnection()
			if err != nil {
				r.logger.Error("Failed to create new RabbitMQ connection", zap.Error(err))
				break
			}
			r.connections = append(r.connections, mConn)
		}
	}

	if len(r.connections) == 0 {
		return nil, ErrNoConnection
	}
	return r.connections[rand.Intn(len(r.connections))], nil
}

func (r *rabbitMQImpl) newMQConnection() (*MQConnection, error) {
	conn, err := amqp.Dial(r.rabbitmqUrl)
	if err != nil {
		return nil, err
	}

	mConn := &MQConnection{
		conn:      conn,
		closeChan: make(chan *amqp.Error, 1),
		logger:    r.logger,
	}
	go mConn.monitor(r.context)
	return mConn, nil
}

func (c *MQConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// monitor the connection. This function is blocking and is intended to be called in a go routine.
func (c *MQConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (r *rabbitMQImpl) GetChannel() *amqp.Channel {
	conn, err := r.getActiveConnection()
	if err != nil {
		r.logger.Error("Failed to get RabbitMQ channel", zap.Error(err))
		return nil
	}

	ch, err := conn.conn.Channel()
	if err != nil {
		r.logger.Error("Failed to create RabbitMQ channel", zap.Error(err))
		return nil
	}

	return ch
}

func (r *rabbitMQImpl) DeclareQueue(name string) error {
	ch := r.GetChannel()
	if ch == nil {
		return ErrNoConnection
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

func (r *rabbitMQImpl) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.pubChannel == nil || r.pubChannel.IsClosed() {
		r.pubChannel = r.GetChannel()
		if r.pubChannel == nil {
			return ErrNoConnection
		}
	}
	if err := r.pubChannel.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		// the channel is unusable after most publish errors, reopen next time
		r.pubChannel.Close()
		r.pubChannel = nil
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}
