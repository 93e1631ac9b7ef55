package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"vmfuzz/internal/engine"
	"vmfuzz/internal/types"
	"vmfuzz/pkg/mq"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type balancer interface {
	Balance(ctx context.Context, state *types.VMState, addr common.Address) (*uint256.Int, error)
}

// Server answers engine requests from a queue with a local engine. States are
// kept by hash so clients only ever exchange hashes.
type Server struct {
	engine engine.Engine
	logger *zap.Logger

	mu     sync.Mutex
	states map[common.Hash]*types.VMState
}

func NewServer(e engine.Engine, logger *zap.Logger) *Server {
	return &Server{engine: e, logger: logger.Named("engine-server"), states: make(map[common.Hash]*types.VMState)}
}

// Serve consumes queue until ctx is done or the channel closes.
func (s *Server) Serve(ctx context.Context, rabbitMQ mq.RabbitMQ, queue string) error {
	if queue == "" {
		queue = RequestQueueName
	}
	channel := rabbitMQ.GetChannel()
	if channel == nil {
		return fmt.Errorf("failed to get RabbitMQ channel")
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare request queue: %w", err)
	}
	deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume request queue: %w", err)
	}
	s.logger.Info("serving engine requests", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			resp := s.handle(ctx, d.Body)
			body, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("failed to encode reply", zap.Error(err))
				d.Nack(false, false)
				continue
			}
			err = channel.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: d.CorrelationId,
				Body:          body,
			})
			if err != nil {
				s.logger.Error("failed to publish reply", zap.Error(err))
			}
			d.Ack(false)
		}
	}
}

func (s *Server) remember(state *types.VMState) {
	s.mu.Lock()
	s.states[state.Hash] = state
	s.mu.Unlock()
}

func (s *Server) lookup(h common.Hash) (*types.VMState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[h]
	if !ok {
		return nil, fmt.Errorf("unknown state %s", h.Hex())
	}
	return state, nil
}

func failure(err error) *Response {
	resp := &Response{Error: err.Error(), Kind: engine.KindCrash}
	var ee *engine.ExecutionError
	if errors.As(err, &ee) {
		resp.Kind = ee.Kind
	}
	return resp
}

func (s *Server) handle(ctx context.Context, body []byte) *Response {
	req := &Request{}
	if err := json.Unmarshal(body, req); err != nil {
		return failure(fmt.Errorf("malformed request: %w", err))
	}

	if req.Method == MethodGenesis {
		state, err := s.engine.Genesis(ctx)
		if err != nil {
			return failure(err)
		}
		s.remember(state)
		return &Response{State: &WireState{state.Hash, state.Suspended}}
	}

	state, err := s.lookup(req.State)
	if err != nil {
		return failure(err)
	}

	switch req.Method {
	case MethodExecute:
		if req.Input == nil {
			return failure(errors.New("execute without input"))
		}
		res, err := s.engine.Execute(ctx, req.Input.WithStart(state, req.Input.StartID))
		if err != nil {
			return failure(err)
		}
		s.remember(res.Post)
		return &Response{
			State:      &WireState{res.Post.Hash, res.Post.Suspended},
			Reverted:   res.Reverted,
			ReturnData: res.ReturnData,
			Logs:       res.Logs,
			Trace:      res.Trace,
			Coverage:   EncodeCoverage(res.Coverage),
		}
	case MethodCall:
		if req.Input == nil {
			return failure(errors.New("call without input"))
		}
		out, err := s.engine.Call(ctx, state, req.Input)
		if err != nil {
			return failure(err)
		}
		return &Response{ReturnData: out}
	case MethodBalance:
		b, ok := s.engine.(balancer)
		if !ok {
			return failure(errors.New("engine cannot read balances"))
		}
		bal, err := b.Balance(ctx, state, req.Address)
		if err != nil {
			return failure(err)
		}
		return &Response{Balance: bal}
	}
	return failure(fmt.Errorf("unknown method %q", req.Method))
}
