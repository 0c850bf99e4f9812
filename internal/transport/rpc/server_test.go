package rpc

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/dispatch"
	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/ingest"
	"github.com/xiaot623/fleetd/internal/logger"
	"github.com/xiaot623/fleetd/internal/registry"
)

type env struct {
	client *rpc.Client
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(eventbus.Options{})
	reg := registry.New(bus, registry.Options{Logger: log})
	disp, err := dispatch.New(reg, bus, dispatch.Options{Logger: log})
	require.NoError(t, err)
	ing := ingest.New(reg, bus, ingest.Options{Claimer: disp, Logger: log})

	srv, err := NewServer(ing, disp, log)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	client, err := jsonrpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &env{client: client, reg: reg, disp: disp}
}

func TestCheckinAndAcknowledge(t *testing.T) {
	e := newEnv(t)

	var first domain.CheckinResult
	require.NoError(t, e.client.Call("Fleet.Checkin", &CheckinArgs{AgentID: "a1"}, &first))
	assert.Equal(t, domain.AgentStatusActive, first.Agent.Status)

	handle, err := e.disp.Submit(context.Background(), domain.SubmitRequest{TargetID: "a1", Verb: "noop"})
	require.NoError(t, err)

	var second domain.CheckinResult
	require.NoError(t, e.client.Call("Fleet.Checkin", &CheckinArgs{AgentID: "a1"}, &second))
	require.Len(t, second.Commands, 1)
	assert.Equal(t, handle.CommandID, second.Commands[0].CommandID)

	var cmd domain.Command
	require.NoError(t, e.client.Call("Fleet.Acknowledge", &AcknowledgeArgs{
		CommandID: handle.CommandID,
		Result:    domain.AckResult{Success: false, Error: "disk full"},
	}, &cmd))
	assert.Equal(t, domain.CommandStateFailed, cmd.State)
}

func TestErrorsCarryCodes(t *testing.T) {
	e := newEnv(t)

	var cmd domain.Command
	err := e.client.Call("Fleet.Acknowledge", &AcknowledgeArgs{CommandID: "nope"}, &cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_command")

	err = e.client.Call("Fleet.Acknowledge", &AcknowledgeArgs{}, &cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command_id is required")

	var dropped AckResponse
	require.NoError(t, e.client.Call("Fleet.Report", &domain.Report{Category: "nope"}, &dropped))
	assert.False(t, dropped.OK)
	assert.Equal(t, "unknown_category", dropped.Dropped)

	var ack AckResponse
	require.NoError(t, e.client.Call("Fleet.Report", &domain.Report{Category: domain.ReportCategoryHealth}, &ack))
	assert.True(t, ack.OK)
	assert.Empty(t, ack.Dropped)

	var bad AckResponse
	err = e.client.Call("Fleet.Report", &domain.Report{Category: domain.ReportCategoryHealth, Priority: 9}, &bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation_error")
}
