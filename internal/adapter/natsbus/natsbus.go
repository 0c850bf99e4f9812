// Package natsbus delivers commands to agents over NATS and takes their
// acknowledgements back.
package natsbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

const (
	// AckSubject carries agent acknowledgements.
	AckSubject = "fleet.acks"
	// DefaultQueue load-balances acks across controller replicas.
	DefaultQueue = "fleetd"
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout = 10 * time.Second
	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait = 2 * time.Second

	ackTimeout = 10 * time.Second
)

// CommandSubject is where commands for agentID are published. The id is
// hex-encoded so that it is always exactly one subject token.
func CommandSubject(agentID string) string {
	return "fleet.agents." + hex.EncodeToString([]byte(agentID)) + ".commands"
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string, log logrus.FieldLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleetd"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// CommandMessage is the body published on CommandSubject.
type CommandMessage struct {
	CommandID  string          `json:"command_id"`
	Verb       string          `json:"verb"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// AckMessage is the body agents publish on AckSubject.
type AckMessage struct {
	CommandID string           `json:"command_id"`
	Result    domain.AckResult `json:"result"`
}

// AckReply answers an ack sent with a reply subject.
type AckReply struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Publisher is the part of *nats.Conn the transport uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Transport pushes commands to per-agent subjects.
type Transport struct {
	pub Publisher
	log logrus.FieldLogger
}

// NewTransport creates a Transport.
func NewTransport(pub Publisher, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{pub: pub, log: log}
}

// Deliver publishes cmd to its target's subject. NATS publishing is fire and
// forget; the command counts as delivered once the connection accepts it.
func (t *Transport) Deliver(ctx context.Context, cmd domain.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.TargetID == "" {
		return fmt.Errorf("command %s has no target", cmd.CommandID)
	}

	data, err := json.Marshal(CommandMessage{
		CommandID:  cmd.CommandID,
		Verb:       cmd.Verb,
		Parameters: cmd.Parameters,
		TimeoutMs:  cmd.TimeoutMs,
		IssuedAt:   cmd.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	msg := nats.NewMsg(CommandSubject(cmd.TargetID))
	msg.Data = data
	msg.Header.Set("x-command-id", cmd.CommandID)
	msg.Header.Set("x-verb", cmd.Verb)

	if err := t.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	t.log.WithFields(logrus.Fields{
		"command_id": cmd.CommandID,
		"subject":    msg.Subject,
	}).Debug("command published")
	return nil
}
