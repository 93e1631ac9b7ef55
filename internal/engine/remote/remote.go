// Package remote drives an out-of-process VM over RabbitMQ request/reply.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vmfuzz/internal/coverage"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/types"
	"vmfuzz/pkg/mq"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const RequestQueueName = "vmfuzz_exec_requests"

var ErrClosed = errors.New("remote engine closed")

// Engine sends every operation as a JSON request and waits for the reply on
// an exclusive queue, matched by correlation id.
type Engine struct {
	rabbitMQ mq.RabbitMQ
	queue    string
	timeout  time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	channel    *amqp.Channel
	replyQueue string
	pending    map[string]chan *Response
	closed     bool
	done       chan struct{}
}

func NewEngine(rabbitMQ mq.RabbitMQ, queue string, timeout time.Duration, logger *zap.Logger) *Engine {
	if queue == "" {
		queue = RequestQueueName
	}
	return &Engine{
		rabbitMQ: rabbitMQ,
		queue:    queue,
		timeout:  timeout,
		logger:   logger.Named("remote-engine"),
		pending:  make(map[string]chan *Response),
		done:     make(chan struct{}),
	}
}

// Start declares the queues and begins dispatching replies.
func (e *Engine) Start() error {
	channel := e.rabbitMQ.GetChannel()
	if channel == nil {
		return fmt.Errorf("failed to get RabbitMQ channel")
	}
	if _, err := channel.QueueDeclare(e.queue, true, false, false, false, nil); err != nil {
		channel.Close()
		return fmt.Errorf("failed to declare request queue: %w", err)
	}
	reply, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		channel.Close()
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	deliveries, err := channel.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		channel.Close()
		return fmt.Errorf("failed to consume reply queue: %w", err)
	}

	e.mu.Lock()
	e.channel = channel
	e.replyQueue = reply.Name
	e.mu.Unlock()

	go e.dispatch(deliveries)
	e.logger.Info("remote engine ready", zap.String("queue", e.queue), zap.String("reply_queue", reply.Name))
	return nil
}

func (e *Engine) dispatch(deliveries <-chan amqp.Delivery) {
	defer close(e.done)
	for d := range deliveries {
		resp := &Response{}
		if err := json.Unmarshal(d.Body, resp); err != nil {
			e.logger.Error("failed to decode engine reply", zap.Error(err))
			continue
		}
		e.mu.Lock()
		ch, ok := e.pending[d.CorrelationId]
		delete(e.pending, d.CorrelationId)
		e.mu.Unlock()
		if !ok {
			e.logger.Debug("dropping late engine reply", zap.String("correlation_id", d.CorrelationId))
			continue
		}
		ch <- resp
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed || e.channel == nil {
		e.closed = true
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	channel := e.channel
	e.mu.Unlock()

	err := channel.Close()
	<-e.done
	return err
}

func (e *Engine) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	ch := make(chan *Response, 1)

	e.mu.Lock()
	if e.closed || e.channel == nil {
		e.mu.Unlock()
		return nil, &engine.ExecutionError{Kind: engine.KindCrash, Err: ErrClosed}
	}
	e.pending[id] = ch
	channel, replyQueue := e.channel, e.replyQueue
	e.mu.Unlock()

	forget := func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}

	err = channel.PublishWithContext(ctx,
		"",      // exchange
		e.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: id,
			ReplyTo:       replyQueue,
			Body:          body,
		},
	)
	if err != nil {
		forget()
		return nil, &engine.ExecutionError{Kind: engine.KindCrash, Err: fmt.Errorf("failed to publish engine request: %w", err)}
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			kind := resp.Kind
			if kind == "" {
				kind = engine.KindCrash
			}
			return nil, &engine.ExecutionError{Kind: kind, Err: errors.New(resp.Error)}
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, &engine.ExecutionError{Kind: engine.KindTimeout, Err: ctx.Err()}
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func stateHash(s *types.VMState) common.Hash {
	if s == nil {
		return common.Hash{}
	}
	return s.Hash
}

func (e *Engine) Genesis(ctx context.Context) (*types.VMState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := e.roundTrip(ctx, &Request{Method: MethodGenesis})
	if err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, fmt.Errorf("genesis reply carries no state")
	}
	return &types.VMState{Hash: resp.State.Hash, Suspended: resp.State.Suspended, Handle: resp.State.Hash}, nil
}

func (e *Engine) Execute(ctx context.Context, in *types.Input) (*types.ExecutionResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := e.roundTrip(ctx, &Request{Method: MethodExecute, State: stateHash(in.Start), Input: in})
	if err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, &engine.ExecutionError{Kind: engine.KindCrash, Err: errors.New("reply carries no post state")}
	}
	sig := coverage.NewSignal()
	resp.Coverage.Decode(sig)
	return &types.ExecutionResult{
		Reverted:   resp.Reverted,
		Post:       &types.VMState{Hash: resp.State.Hash, Suspended: resp.State.Suspended, Origin: in, Handle: resp.State.Hash},
		ReturnData: resp.ReturnData,
		Logs:       resp.Logs,
		Trace:      resp.Trace,
		Coverage:   sig,
	}, nil
}

func (e *Engine) Call(ctx context.Context, state *types.VMState, in *types.Input) ([]byte, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := e.roundTrip(ctx, &Request{Method: MethodCall, State: stateHash(state), Input: in})
	if err != nil {
		return nil, err
	}
	return resp.ReturnData, nil
}

func (e *Engine) Balance(ctx context.Context, state *types.VMState, addr common.Address) (*uint256.Int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := e.roundTrip(ctx, &Request{Method: MethodBalance, State: stateHash(state), Address: addr})
	if err != nil {
		return nil, err
	}
	if resp.Balance == nil {
		return new(uint256.Int), nil
	}
	return resp.Balance, nil
}
