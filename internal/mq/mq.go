package mq

import (
	"context"
	"errors"

	"github.com/cozy-creator/classifier-server/internal/config"
)

var (
	ErrTopicNotExists = errors.New("topic does not exist")
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrTopicClosed    = errors.New("topic closed")
	ErrUnknownMessage = errors.New("unknown message type")
)

const (
	MQTypeInMemory = "inmemory"
	MQTypePulsar   = "pulsar"
)

type MQ interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Receive(ctx context.Context, topic string) (interface{}, error)
	GetMessageData(message interface{}) ([]byte, error)
	Ack(topic string, message interface{}) error
	CloseTopic(topic string) error
	Close() error
}

// NewMQ returns a Pulsar backed queue when pulsar.url is set and an
// in-process queue otherwise.
func NewMQ(cfg *config.Config) (MQ, error) {
	if cfg != nil && cfg.Pulsar != nil && cfg.Pulsar.URL != "" {
		return NewPulsarMQ(cfg.Pulsar)
	}

	size := config.DefaultMQBufferSize
	if cfg != nil && cfg.MQ != nil && cfg.MQ.BufferSize > 0 {
		size = cfg.MQ.BufferSize
	}
	return NewInMemoryMQ(size)
}
