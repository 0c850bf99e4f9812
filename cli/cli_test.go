package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/dispatch"
	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/gateway"
	"github.com/xiaot623/fleetd/internal/ingest"
	"github.com/xiaot623/fleetd/internal/logger"
	"github.com/xiaot623/fleetd/internal/registry"
	httpserver "github.com/xiaot623/fleetd/internal/transport/http"
	v1 "github.com/xiaot623/fleetd/internal/transport/http/v1"
)

type server struct {
	url string
	bus *eventbus.Bus
	reg *registry.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerWithToken(t, "")
}

func newServerWithToken(t *testing.T, token string) *server {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(eventbus.Options{ReplayBufferSize: 4})
	reg := registry.New(bus, registry.Options{Logger: log})
	disp, err := dispatch.New(reg, bus, dispatch.Options{Logger: log})
	require.NoError(t, err)
	ing := ingest.New(reg, bus, ingest.Options{Claimer: disp, Logger: log})
	gw := gateway.New(bus, reg, disp, log)
	hub := gateway.NewHub(log)
	stream := gateway.NewServer(gw, hub, gateway.ServerOptions{}, log)

	e := httpserver.NewExternalServer(v1.Deps{
		Registry:   reg,
		Ingest:     ing,
		Dispatcher: disp,
		Snapshots:  gw,
		Stream:     stream.HandleStream,
	}, httpserver.ExternalOptions{OperatorToken: token}, log)
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
	})
	return &server{url: ts.URL, bus: bus, reg: reg}
}

// syncBuffer is written by the watcher goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientAgentsAndCommands(t *testing.T) {
	srv := newServer(t)
	_, err := srv.reg.Upsert("a1", map[string]interface{}{"hostname": "web-1"})
	require.NoError(t, err)

	c := NewClient(srv.url+"/", time.Second)
	ctx := context.Background()

	agents, err := c.ListAgents(ctx, domain.AgentFilter{Query: "web"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].AgentID)

	handle, err := c.SubmitCommand(ctx, domain.SubmitRequest{TargetID: "a1", Verb: "noop"})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStateQueued, handle.State)

	cmd, err := c.GetCommand(ctx, handle.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "a1", cmd.TargetID)

	pending, err := c.ListCommands(ctx, domain.CommandFilter{Pending: true})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	agent, err := c.SetStatus(ctx, "a1", domain.AgentStatusDestroyed)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusDestroyed, agent.Status)

	require.NoError(t, c.PurgeAgent(ctx, "a1"))
}

func TestClientReportsAPIErrors(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.url, time.Second)

	_, err := c.GetAgent(context.Background(), "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "agent_not_found", apiErr.Code)
	assert.False(t, apiErr.Retryable)
}

func TestClientSendsOperatorToken(t *testing.T) {
	srv := newServerWithToken(t, "s3cret")
	_, err := srv.reg.Upsert("a1", nil)
	require.NoError(t, err)

	_, err = NewClient(srv.url, time.Second).ListAgents(context.Background(), domain.AgentFilter{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)

	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"--server", srv.url, "--token", "s3cret", "agents", "get", "a1"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"a1"`)
}

func TestWatcherSendsOperatorToken(t *testing.T) {
	srv := newServerWithToken(t, "s3cret")
	c := NewClient(srv.url, time.Second)
	c.Token = "s3cret"

	out := &syncBuffer{}
	w := &Watcher{URL: c.StreamURL(), Header: c.AuthHeader(), Out: out}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[snapshot]")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/v1/stream", NewClient("http://localhost:8080/", time.Second).StreamURL())
	assert.Equal(t, "wss://fleet.example.com/v1/stream", NewClient("https://fleet.example.com", time.Second).StreamURL())
}

func TestRootCommandListsAgents(t *testing.T) {
	srv := newServer(t)
	_, err := srv.reg.Upsert("a1", nil)
	require.NoError(t, err)

	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"--server", srv.url, "agents", "list", "--status", "ACTIVE"})
	require.NoError(t, root.Execute())

	var agents []domain.Agent
	require.NoError(t, json.Unmarshal(out.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].AgentID)
}

func TestSubmitRequiresTarget(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"commands", "submit", "--verb", "noop"})
	assert.Error(t, root.Execute())
}

func TestWatcherFollowsStream(t *testing.T) {
	srv := newServer(t)
	_, err := srv.reg.Upsert("a1", nil)
	require.NoError(t, err)

	out := &syncBuffer{}
	w := &Watcher{URL: NewClient(srv.url, time.Second).StreamURL(), Out: out}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[snapshot] seq=1 agents=1")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = srv.reg.Upsert("a2", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[2] AGENT_UPDATED a2")
	}, 2*time.Second, 10*time.Millisecond)

	last, ok := w.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), last)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherFallsBackToSnapshotWhenTooOld(t *testing.T) {
	srv := newServer(t)
	_, err := srv.reg.Upsert("a1", nil)
	require.NoError(t, err)

	out := &syncBuffer{}
	ahead := uint64(99)
	w := &Watcher{URL: NewClient(srv.url, time.Second).StreamURL(), Out: out, last: &ahead}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "[resync]") && strings.Contains(s, "[snapshot] seq=1")
	}, 2*time.Second, 10*time.Millisecond)
}
