// Package mocks provides hand-rolled, queue-based test doubles for the run
// mongo Client interface. Each expected call is registered with an AddX
// method supplying the function to run when that method is invoked; calls
// must be consumed in the order they were registered.
package mocks

import (
	"context"
	"testing"

	"github.com/agentfabric/runtime/runtime/agent/run"
)

type (
	upsertRunFunc func(ctx context.Context, r run.Record) error
	loadRunFunc   func(ctx context.Context, runID string) (run.Record, error)
	pingFunc      func(ctx context.Context) error

	// Client is a queue-based mock of clients/mongo.Client.
	Client struct {
		t         *testing.T
		upsertRun []upsertRunFunc
		loadRun   []loadRunFunc
		ping      []pingFunc
	}
)

// NewClient constructs a Client mock bound to t.
func NewClient(t *testing.T) *Client {
	t.Helper()
	c := &Client{t: t}
	t.Cleanup(func() {
		if c.HasMore() {
			t.Errorf("mock client: unconsumed expectations remain")
		}
	})
	return c
}

// AddUpsertRun queues a handler for the next UpsertRun call.
func (c *Client) AddUpsertRun(fn upsertRunFunc) { c.upsertRun = append(c.upsertRun, fn) }

// AddLoadRun queues a handler for the next LoadRun call.
func (c *Client) AddLoadRun(fn loadRunFunc) { c.loadRun = append(c.loadRun, fn) }

// AddPing queues a handler for the next Ping call.
func (c *Client) AddPing(fn pingFunc) { c.ping = append(c.ping, fn) }

// HasMore reports whether any queued expectation remains unconsumed.
func (c *Client) HasMore() bool {
	return len(c.upsertRun) > 0 || len(c.loadRun) > 0 || len(c.ping) > 0
}

// UpsertRun implements clients/mongo.Client.
func (c *Client) UpsertRun(ctx context.Context, r run.Record) error {
	c.t.Helper()
	if len(c.upsertRun) == 0 {
		c.t.Fatalf("mock client: unexpected UpsertRun(%+v)", r)
	}
	fn := c.upsertRun[0]
	c.upsertRun = c.upsertRun[1:]
	return fn(ctx, r)
}

// LoadRun implements clients/mongo.Client.
func (c *Client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	c.t.Helper()
	if len(c.loadRun) == 0 {
		c.t.Fatalf("mock client: unexpected LoadRun(%q)", runID)
	}
	fn := c.loadRun[0]
	c.loadRun = c.loadRun[1:]
	return fn(ctx, runID)
}

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	c.t.Helper()
	if len(c.ping) == 0 {
		return nil
	}
	fn := c.ping[0]
	c.ping = c.ping[1:]
	return fn(ctx)
}
