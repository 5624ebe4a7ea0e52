// Package mocks provides hand-rolled, queue-based test doubles for the
// memory mongo Client interface. Each expected call is registered with an
// AddX method supplying the function to run when that method is invoked;
// calls must be consumed in the order they were registered. Call
// t.Helper/t.Cleanup hooks fail the test if expectations are left unmet.
package mocks

import (
	"context"
	"testing"

	"github.com/agentfabric/runtime/runtime/agent/memory"
)

type (
	loadRunFunc     func(ctx context.Context, agentID, runID string) (memory.Snapshot, error)
	appendEventsFunc func(ctx context.Context, agentID, runID string, events []memory.Event) error
	pingFunc        func(ctx context.Context) error

	// Client is a queue-based mock of clients/mongo.Client.
	Client struct {
		t             *testing.T
		loadRun       []loadRunFunc
		appendEvents  []appendEventsFunc
		ping          []pingFunc
	}
)

// NewClient constructs a Client mock bound to t. Remaining queued
// expectations are reported as test failures during t.Cleanup.
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

// AddLoadRun queues a handler for the next LoadRun call.
func (c *Client) AddLoadRun(fn loadRunFunc) { c.loadRun = append(c.loadRun, fn) }

// AddAppendEvents queues a handler for the next AppendEvents call.
func (c *Client) AddAppendEvents(fn appendEventsFunc) { c.appendEvents = append(c.appendEvents, fn) }

// AddPing queues a handler for the next Ping call.
func (c *Client) AddPing(fn pingFunc) { c.ping = append(c.ping, fn) }

// HasMore reports whether any queued expectation remains unconsumed.
func (c *Client) HasMore() bool {
	return len(c.loadRun) > 0 || len(c.appendEvents) > 0 || len(c.ping) > 0
}

// LoadRun implements clients/mongo.Client.
func (c *Client) LoadRun(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
	c.t.Helper()
	if len(c.loadRun) == 0 {
		c.t.Fatalf("mock client: unexpected LoadRun(%q, %q)", agentID, runID)
	}
	fn := c.loadRun[0]
	c.loadRun = c.loadRun[1:]
	return fn(ctx, agentID, runID)
}

// AppendEvents implements clients/mongo.Client.
func (c *Client) AppendEvents(ctx context.Context, agentID, runID string, events []memory.Event) error {
	c.t.Helper()
	if len(c.appendEvents) == 0 {
		c.t.Fatalf("mock client: unexpected AppendEvents(%q, %q)", agentID, runID)
	}
	fn := c.appendEvents[0]
	c.appendEvents = c.appendEvents[1:]
	return fn(ctx, agentID, runID, events)
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
