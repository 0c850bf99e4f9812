// Package rpc exposes the agent-facing operations over JSON-RPC for
// delivery transports that relay check-ins and acknowledgements.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Ingest applies check-ins and reports.
type Ingest interface {
	Checkin(ctx context.Context, agentID string, req domain.CheckinRequest) (domain.CheckinResult, error)
	ApplyReport(ctx context.Context, report domain.Report) error
}

// Acknowledger records command results.
type Acknowledger interface {
	Acknowledge(ctx context.Context, commandID string, result domain.AckResult) (domain.Command, error)
}

const callTimeout = 30 * time.Second

// Server exposes internal RPC endpoints for delivery transports.
type Server struct {
	rpcServer *rpc.Server
	log       logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server registered as "Fleet".
func NewServer(ingest Ingest, acks Acknowledger, log logrus.FieldLogger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{ingest: ingest, acks: acks}
	if err := rpcServer.RegisterName("Fleet", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.WithError(err).Warn("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Fleet RPC methods.
type Handler struct {
	ingest Ingest
	acks   Acknowledger
}

// CheckinArgs carries an agent check-in.
type CheckinArgs struct {
	AgentID string                `json:"agent_id"`
	Request domain.CheckinRequest `json:"request"`
}

// AcknowledgeArgs carries a command result.
type AcknowledgeArgs struct {
	CommandID string           `json:"command_id"`
	Result    domain.AckResult `json:"result"`
}

// AckResponse is a generic OK response. Dropped names the reason when a
// report was accepted but discarded.
type AckResponse struct {
	OK      bool   `json:"ok"`
	Dropped string `json:"dropped,omitempty"`
}

// Checkin applies an agent check-in and returns the claimed commands.
func (h *Handler) Checkin(req *CheckinArgs, resp *domain.CheckinResult) error {
	if req == nil {
		return errors.New("checkin request is required")
	}
	if req.AgentID == "" {
		return errors.New("agent_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.ingest.Checkin(ctx, req.AgentID, req.Request)
	if err != nil {
		return wireError(err)
	}
	*resp = result
	return nil
}

// Acknowledge records the result of a delivered command.
func (h *Handler) Acknowledge(req *AcknowledgeArgs, resp *domain.Command) error {
	if req == nil {
		return errors.New("acknowledge request is required")
	}
	if req.CommandID == "" {
		return errors.New("command_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	cmd, err := h.acks.Acknowledge(ctx, req.CommandID, req.Result)
	if err != nil {
		return wireError(err)
	}
	*resp = cmd
	return nil
}

// Report applies a single report.
func (h *Handler) Report(req *domain.Report, resp *AckResponse) error {
	if req == nil {
		return errors.New("report is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := h.ingest.ApplyReport(ctx, *req); err != nil {
		if domain.KindOf(err) == domain.KindUnknownCategory {
			resp.OK = false
			resp.Dropped = string(domain.KindUnknownCategory)
			return nil
		}
		return wireError(err)
	}
	resp.OK = true
	return nil
}

// wireError prefixes domain errors with their code. net/rpc only carries
// the error string.
func wireError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return fmt.Errorf("%s: %s", de.Code, de.Message)
	}
	return err
}
