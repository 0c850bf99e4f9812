package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/gateway"
)

const reconnectDelay = 2 * time.Second

// errResync means the stream cannot be resumed and needs a fresh snapshot.
var errResync = errors.New("resync required")

// Watcher follows the live stream and prints what it receives.
type Watcher struct {
	URL    string
	Header http.Header
	Topics []domain.Topic
	Out    io.Writer
	Dialer *websocket.Dialer

	last *uint64
}

// Run streams until ctx is done, reconnecting as needed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errResync) {
			w.last = nil
			continue
		}
		fmt.Fprintf(os.Stderr, "stream: %v, reconnecting in %s\n", err, reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// Last is the sequence of the last snapshot or event seen.
func (w *Watcher) Last() (uint64, bool) {
	if w.last == nil {
		return 0, false
	}
	return *w.last, true
}

func (w *Watcher) session(ctx context.Context) error {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, w.URL, w.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := gateway.SubscribeMessage{
		BaseMessage:  gateway.BaseMessage{Type: gateway.TypeSubscribe, Ts: time.Now().UnixMilli()},
		Topics:       w.Topics,
		FromSequence: w.last,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := w.handle(data); err != nil {
			return err
		}
	}
}

func (w *Watcher) handle(data []byte) error {
	var base gateway.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	switch base.Type {
	case gateway.TypeSnapshot:
		var msg gateway.SnapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		seq := msg.Snapshot.Sequence
		w.last = &seq
		fmt.Fprintf(w.Out, "[snapshot] seq=%d agents=%d queued=%d delivered=%d\n",
			seq, len(msg.Snapshot.Agents), msg.Snapshot.Pending.Queued, msg.Snapshot.Pending.Delivered)

	case gateway.TypeEvent:
		var msg gateway.EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		seq := msg.Event.Sequence
		w.last = &seq
		fmt.Fprintf(w.Out, "[%d] %s %s %s\n", seq, msg.Event.Topic, msg.Event.Key, string(msg.Event.Payload))

	case gateway.TypeSubscribed:
		fmt.Fprintf(w.Out, "[resumed] session=%s\n", base.SessionID)

	case gateway.TypeResyncRequired:
		var msg gateway.ResyncRequiredMessage
		_ = json.Unmarshal(data, &msg)
		fmt.Fprintf(w.Out, "[resync] %s, dropped=%d\n", msg.Reason, msg.Dropped)
		return errResync

	case gateway.TypeError:
		var msg gateway.ErrorMessage
		_ = json.Unmarshal(data, &msg)
		if msg.Code == gateway.ErrorCodeSequenceTooOld {
			fmt.Fprintf(w.Out, "[resync] %s\n", msg.Message)
			return errResync
		}
		return fmt.Errorf("server error: %s - %s", msg.Code, msg.Message)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
}
