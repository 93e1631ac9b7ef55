package corpus

import (
	"context"
	"encoding/json"
	"time"
)

type Op string

const (
	OpInsert  Op = "insert"
	OpVote    Op = "vote"
	OpVisit   Op = "visit"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Record is one journaled store mutation. Votes and Visits carry the values
// after the mutation so replay never accumulates rounding.
type Record struct {
	Role       Role            `json:"role"`
	Op         Op              `json:"op"`
	ID         ID              `json:"id"`
	Key        string          `json:"key,omitempty"`
	Parent     *ParentRef      `json:"parent,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Votes      float64         `json:"votes"`
	Visits     uint64          `json:"visits"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Time       time.Time       `json:"time"`
}

// Journal persists store mutations in order.
type Journal interface {
	Append(ctx context.Context, rec Record) error
	Load(ctx context.Context, role Role) ([]Record, error)
	Close() error
}

// Codec converts payloads to and from their persisted form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSONCodec persists payloads as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
