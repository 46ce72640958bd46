// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sbuscore is an Azure Service Bus client core: connection/link
// multiplexing, credit-managed peek-lock receiving, lock renewal over the
// entity's $management node, and a timeout-bounded sender, all on top of
// AMQP 1.0. See the package-level handles in queue.go and topic.go for the
// per-entity surface most callers use.
package sbuscore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/sbuscore/internal/amqp10"
)

// Client owns the Connection Pool and caches one handle per distinct
// queue/topic name, per spec.md section 4.8 and section 5's ownership
// hierarchy (Client owns ConnectionPool and entity handles).
type Client struct {
	pool   *amqp10.ConnectionPool
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*QueueHandle
	topics map[string]*TopicHandle
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger   *slog.Logger
	poolOpts []amqp10.ConnectionPoolOption
}

// WithClientLogger sets the logger used by the pool and every handle the
// Client creates from this point on.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithConnectionPoolOptions passes through options to the underlying
// amqp10.ConnectionPool (link budget, idle timeout, pool logger).
func WithConnectionPoolOptions(opts ...amqp10.ConnectionPoolOption) ClientOption {
	return func(c *clientConfig) { c.poolOpts = append(c.poolOpts, opts...) }
}

func newClient(dial amqp10.Dialer, amqpURL string, opts ...ClientOption) *Client {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	poolOpts := append([]amqp10.ConnectionPoolOption{amqp10.WithPoolLogger(cfg.logger)}, cfg.poolOpts...)

	return &Client{
		pool:   amqp10.NewConnectionPool(dial, amqpURL, poolOpts...),
		logger: cfg.logger,
		queues: make(map[string]*QueueHandle),
		topics: make(map[string]*TopicHandle),
	}
}

// NewClientFromConnectionString parses cs (Endpoint|SharedAccessKeyName|
// SharedAccessKey, per spec.md section 6) and constructs a Client backed
// by the go-amqp transport.
func NewClientFromConnectionString(cs string, opts ...ClientOption) (*Client, error) {
	parsed, err := parseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	amqpURL, err := parsed.amqpURL()
	if err != nil {
		return nil, err
	}
	return newClient(amqp10.NewDialer(), amqpURL, opts...), nil
}

// GetQueue returns the cached QueueHandle for name, creating one on first
// use.
func (c *Client) GetQueue(name string) *QueueHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.queues[name]; ok {
		return h
	}
	h := newQueueHandle(c.pool, name, c.logger)
	c.queues[name] = h
	return h
}

// GetTopic returns the cached TopicHandle for name, creating one on first
// use.
func (c *Client) GetTopic(name string) *TopicHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.topics[name]; ok {
		return h
	}
	h := newTopicHandle(c.pool, name, c.logger)
	c.topics[name] = h
	return h
}

// Dispose tears down every cached handle and the Connection Pool.
func (c *Client) Dispose(ctx context.Context) {
	c.mu.Lock()
	queues := c.queues
	topics := c.topics
	c.queues = make(map[string]*QueueHandle)
	c.topics = make(map[string]*TopicHandle)
	c.mu.Unlock()

	for _, q := range queues {
		q.Dispose(ctx)
	}
	for _, t := range topics {
		t.Dispose(ctx)
	}
	c.pool.Dispose(ctx)
}
