package natsbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/logger"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

type recordingAcks struct {
	mu    sync.Mutex
	calls []AckMessage
	err   error
}

func (a *recordingAcks) Acknowledge(_ context.Context, id string, result domain.AckResult) (domain.Command, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, AckMessage{CommandID: id, Result: result})
	if a.err != nil {
		return domain.Command{}, a.err
	}
	return domain.Command{CommandID: id, State: domain.CommandStateAcknowledged}, nil
}

func (a *recordingAcks) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func TestDeliverPublishesToAgentSubject(t *testing.T) {
	pub := &recordingPublisher{}
	tr := NewTransport(pub, logger.Discard())

	err := tr.Deliver(context.Background(), domain.Command{
		CommandID:  "c1",
		TargetID:   "a1",
		Verb:       "restart",
		Parameters: json.RawMessage(`{"service":"nginx"}`),
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "fleet.agents.6131.commands", msg.Subject)
	assert.Equal(t, "c1", msg.Header.Get("x-command-id"))

	var body CommandMessage
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "restart", body.Verb)
	assert.JSONEq(t, `{"service":"nginx"}`, string(body.Parameters))
}

func TestCommandSubjectIsOneTokenPerAgent(t *testing.T) {
	seen := map[string]string{}
	for _, id := range []string{"a1", "a.b", "a*", "a>", "a b", "a.>", "fleet.acks"} {
		subject := CommandSubject(id)
		tokens := strings.Split(subject, ".")
		require.Len(t, tokens, 4, subject)
		assert.Equal(t, "fleet", tokens[0])
		assert.Equal(t, "agents", tokens[1])
		assert.Equal(t, "commands", tokens[3])
		assert.NotContains(t, subject, "*")
		assert.NotContains(t, subject, ">")
		assert.NotContains(t, subject, " ")

		decoded, err := hex.DecodeString(tokens[2])
		require.NoError(t, err)
		assert.Equal(t, id, string(decoded))

		prev, dup := seen[subject]
		assert.False(t, dup, "%q and %q share %s", prev, id, subject)
		seen[subject] = id
	}
}

func TestDeliverErrors(t *testing.T) {
	tr := NewTransport(&recordingPublisher{err: nats.ErrConnectionClosed}, logger.Discard())
	err := tr.Deliver(context.Background(), domain.Command{CommandID: "c1", TargetID: "a1"})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	err = tr.Deliver(context.Background(), domain.Command{CommandID: "c1"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Deliver(ctx, domain.Command{CommandID: "c1", TargetID: "a1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAckApply(t *testing.T) {
	acks := &recordingAcks{}
	c := NewAckConsumer(nil, acks, logger.Discard())

	reply := c.apply([]byte(`{"command_id":"c1","result":{"success":true}}`))
	assert.True(t, reply.OK)
	require.Len(t, acks.calls, 1)
	assert.True(t, acks.calls[0].Result.Success)

	reply = c.apply([]byte(`garbage`))
	assert.False(t, reply.OK)
	assert.Equal(t, "validation_error", reply.Code)

	acks.err = domain.UnknownCommand("c2")
	reply = c.apply([]byte(`{"command_id":"c2","result":{"success":false}}`))
	assert.False(t, reply.OK)
	assert.Equal(t, "unknown_command", reply.Code)

	acks.err = errors.New("boom")
	reply = c.apply([]byte(`{"command_id":"c3"}`))
	assert.Equal(t, "", reply.Code)
	assert.Equal(t, "boom", reply.Error)
}

func TestAckConsumerAgainstServer(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer nc.Close()

	acks := &recordingAcks{}
	c := NewAckConsumer(nc, acks, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var reply AckReply
	require.Eventually(t, func() bool {
		msg, err := nc.Request(AckSubject, []byte(`{"command_id":"c1","result":{"success":true}}`), 500*time.Millisecond)
		if err != nil {
			return false
		}
		return json.Unmarshal(msg.Data, &reply) == nil
	}, 5*time.Second, 100*time.Millisecond)
	assert.True(t, reply.OK)
	assert.GreaterOrEqual(t, acks.count(), 1)

	cancel()
	require.NoError(t, <-done)
}
