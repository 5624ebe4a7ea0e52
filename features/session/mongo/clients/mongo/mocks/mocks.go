// Package mocks provides hand-rolled, queue-based test doubles for the
// session mongo Client interface. Each expected call is registered with an
// AddX method supplying the function to run when that method is invoked;
// calls must be consumed in the order they were registered.
package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/agentfabric/runtime/runtime/agent/session"
)

type (
	createSessionFunc    func(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error)
	loadSessionFunc      func(ctx context.Context, sessionID string) (session.Session, error)
	endSessionFunc       func(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)
	upsertRunFunc        func(ctx context.Context, r session.RunMeta) error
	loadRunFunc          func(ctx context.Context, runID string) (session.RunMeta, error)
	listRunsBySessionFunc func(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error)
	pingFunc             func(ctx context.Context) error

	// Client is a queue-based mock of clients/mongo.Client.
	Client struct {
		t                 *testing.T
		createSession      []createSessionFunc
		loadSession        []loadSessionFunc
		endSession         []endSessionFunc
		upsertRun          []upsertRunFunc
		loadRun            []loadRunFunc
		listRunsBySession  []listRunsBySessionFunc
		ping               []pingFunc
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

func (c *Client) AddCreateSession(fn createSessionFunc) { c.createSession = append(c.createSession, fn) }
func (c *Client) AddLoadSession(fn loadSessionFunc)     { c.loadSession = append(c.loadSession, fn) }
func (c *Client) AddEndSession(fn endSessionFunc)       { c.endSession = append(c.endSession, fn) }
func (c *Client) AddUpsertRun(fn upsertRunFunc)         { c.upsertRun = append(c.upsertRun, fn) }
func (c *Client) AddLoadRun(fn loadRunFunc)             { c.loadRun = append(c.loadRun, fn) }
func (c *Client) AddListRunsBySession(fn listRunsBySessionFunc) {
	c.listRunsBySession = append(c.listRunsBySession, fn)
}
func (c *Client) AddPing(fn pingFunc) { c.ping = append(c.ping, fn) }

// HasMore reports whether any queued expectation remains unconsumed.
func (c *Client) HasMore() bool {
	return len(c.createSession) > 0 || len(c.loadSession) > 0 || len(c.endSession) > 0 ||
		len(c.upsertRun) > 0 || len(c.loadRun) > 0 || len(c.listRunsBySession) > 0 || len(c.ping) > 0
}

func (c *Client) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	c.t.Helper()
	if len(c.createSession) == 0 {
		c.t.Fatalf("mock client: unexpected CreateSession(%q)", sessionID)
	}
	fn := c.createSession[0]
	c.createSession = c.createSession[1:]
	return fn(ctx, sessionID, createdAt)
}

func (c *Client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	c.t.Helper()
	if len(c.loadSession) == 0 {
		c.t.Fatalf("mock client: unexpected LoadSession(%q)", sessionID)
	}
	fn := c.loadSession[0]
	c.loadSession = c.loadSession[1:]
	return fn(ctx, sessionID)
}

func (c *Client) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	c.t.Helper()
	if len(c.endSession) == 0 {
		c.t.Fatalf("mock client: unexpected EndSession(%q)", sessionID)
	}
	fn := c.endSession[0]
	c.endSession = c.endSession[1:]
	return fn(ctx, sessionID, endedAt)
}

func (c *Client) UpsertRun(ctx context.Context, r session.RunMeta) error {
	c.t.Helper()
	if len(c.upsertRun) == 0 {
		c.t.Fatalf("mock client: unexpected UpsertRun(%+v)", r)
	}
	fn := c.upsertRun[0]
	c.upsertRun = c.upsertRun[1:]
	return fn(ctx, r)
}

func (c *Client) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	c.t.Helper()
	if len(c.loadRun) == 0 {
		c.t.Fatalf("mock client: unexpected LoadRun(%q)", runID)
	}
	fn := c.loadRun[0]
	c.loadRun = c.loadRun[1:]
	return fn(ctx, runID)
}

func (c *Client) ListRunsBySession(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	c.t.Helper()
	if len(c.listRunsBySession) == 0 {
		c.t.Fatalf("mock client: unexpected ListRunsBySession(%q)", sessionID)
	}
	fn := c.listRunsBySession[0]
	c.listRunsBySession = c.listRunsBySession[1:]
	return fn(ctx, sessionID, statuses)
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
