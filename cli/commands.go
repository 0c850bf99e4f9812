package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/fleetd/internal/domain"
)

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage agents",
	}

	var filter domain.AgentFilter
	var status, risk string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = domain.AgentStatus(status)
			filter.RiskLevel = domain.RiskLevel(risk)
			agents, err := opts.client().ListAgents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agents)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&risk, "risk", "", "filter by risk level")
	list.Flags().StringVarP(&filter.Query, "query", "q", "", "substring match on id and profile")

	get := &cobra.Command{
		Use:   "get AGENT_ID",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := opts.client().GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}

	setStatus := &cobra.Command{
		Use:   "status AGENT_ID STATUS",
		Short: "Change an agent's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := opts.client().SetStatus(cmd.Context(), args[0], domain.AgentStatus(args[1]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}

	purge := &cobra.Command{
		Use:   "purge AGENT_ID",
		Short: "Remove an agent and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().PurgeAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, get, setStatus, purge)
	return cmd
}

func newCommandsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Submit and inspect commands",
	}

	var (
		req    domain.SubmitRequest
		params string
		all    bool
		status string
		risk   string
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a command to one agent or a broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.TargetID == "" && !all {
				return errors.New("either --target or --all is required")
			}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("--params must be valid JSON")
				}
				req.Parameters = json.RawMessage(params)
			}
			if all {
				req.TargetID = ""
				req.Filter = &domain.AgentFilter{
					Status:    domain.AgentStatus(status),
					RiskLevel: domain.RiskLevel(risk),
				}
			}
			handle, err := opts.client().SubmitCommand(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), handle)
		},
	}
	submit.Flags().StringVar(&req.TargetID, "target", "", "target agent id")
	submit.Flags().StringVar(&req.Verb, "verb", "", "command verb")
	submit.Flags().StringVar(&params, "params", "", "JSON parameters")
	submit.Flags().StringVar(&req.CommandID, "id", "", "idempotency id")
	submit.Flags().BoolVar(&all, "all", false, "broadcast to every agent matching the filter")
	submit.Flags().StringVar(&status, "status", "", "broadcast filter: agent status")
	submit.Flags().StringVar(&risk, "risk", "", "broadcast filter: risk level")
	_ = submit.MarkFlagRequired("verb")

	var filter domain.CommandFilter
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.State = domain.CommandState(state)
			cmds, err := opts.client().ListCommands(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cmds)
		},
	}
	list.Flags().StringVar(&state, "state", "", "filter by state")
	list.Flags().StringVar(&filter.TargetID, "target", "", "filter by target agent")
	list.Flags().BoolVar(&filter.Pending, "pending", false, "only queued or delivered commands")

	get := &cobra.Command{
		Use:   "get COMMAND_ID",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client().GetCommand(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}

	cmd.AddCommand(submit, list, get)
	return cmd
}

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the full fleet state",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var topics []string
	var from int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live fleet events",
		Long: `watch prints the initial snapshot and then every event. It reconnects
after a dropped connection, resuming from the last sequence seen, and takes
a fresh snapshot when the server says the stream fell behind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			w := &Watcher{
				URL:    client.StreamURL(),
				Header: client.AuthHeader(),
				Out:    cmd.OutOrStdout(),
			}
			for _, t := range topics {
				w.Topics = append(w.Topics, domain.Topic(t))
			}
			if from >= 0 {
				seq := uint64(from)
				w.last = &seq
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "topics to follow (repeatable, default all)")
	cmd.Flags().Int64Var(&from, "from", -1, "resume after this sequence instead of starting from a snapshot")
	return cmd
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
