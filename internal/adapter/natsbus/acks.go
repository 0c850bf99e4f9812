package natsbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Acknowledger records command results.
type Acknowledger interface {
	Acknowledge(ctx context.Context, commandID string, result domain.AckResult) (domain.Command, error)
}

// Subscriber is the part of *nats.Conn the consumer uses.
type Subscriber interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// AckConsumer applies acknowledgements published by agents.
type AckConsumer struct {
	nc    Subscriber
	acks  Acknowledger
	queue string
	log   logrus.FieldLogger
}

// NewAckConsumer creates an AckConsumer on the default queue group.
func NewAckConsumer(nc Subscriber, acks Acknowledger, log logrus.FieldLogger) *AckConsumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AckConsumer{nc: nc, acks: acks, queue: DefaultQueue, log: log}
}

// Run consumes acks until ctx is done, then drains the subscription.
func (c *AckConsumer) Run(ctx context.Context) error {
	sub, err := c.nc.QueueSubscribe(AckSubject, c.queue, c.handle)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"subject": AckSubject, "queue": c.queue}).Info("consuming acknowledgements")

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (c *AckConsumer) handle(msg *nats.Msg) {
	reply := c.apply(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.WithError(err).Debug("failed to answer ack")
	}
}

func (c *AckConsumer) apply(data []byte) AckReply {
	var ack AckMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.CommandID == "" {
		c.log.WithField("bytes", len(data)).Warn("malformed ack message")
		return AckReply{Code: string(domain.KindValidation), Error: "malformed ack message"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if _, err := c.acks.Acknowledge(ctx, ack.CommandID, ack.Result); err != nil {
		c.log.WithError(err).WithField("command_id", ack.CommandID).Warn("ack rejected")
		reply := AckReply{Error: err.Error()}
		var de *domain.Error
		if errors.As(err, &de) {
			reply.Code = de.Code
		}
		return reply
	}
	return AckReply{OK: true}
}
