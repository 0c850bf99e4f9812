// Package main provides fleetctl, an operator console for fleetd.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operator console for fleetd",
		Long: `fleetctl talks to a fleetd server over its HTTP API and live stream.

Examples:
  fleetctl agents list --status ACTIVE
  fleetctl commands submit --target a1 --verb ping
  fleetctl commands submit --all --verb noop --params '{}'
  fleetctl watch --topic ALERT_RAISED`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("FLEETCTL_SERVER", "http://localhost:8080"), "fleetd base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FLEETCTL_TOKEN"), "operator bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newAgentsCmd(opts),
		newCommandsCmd(opts),
		newSnapshotCmd(opts),
		newStatsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *Client {
	c := NewClient(o.server, o.timeout)
	c.Token = o.token
	return c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v interface{}) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
}
