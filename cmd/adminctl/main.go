// cmd/adminctl is an operator CLI against a running cluster: it talks to
// the reference server directly (rank, list) and to a single node's admin
// HTTP surface (status). It is not the interactive chat client — that is
// a separate, unimplemented terminal REQ loop outside this repo's scope.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distributed-chat-cluster/internal/transport"
)

var (
	refAddr string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "adminctl",
		Short: "Operator CLI for the chat cluster's reference server and nodes",
	}
	root.PersistentFlags().StringVar(&refAddr, "ref", "", "Reference server address (ws://host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	root.AddCommand(rankCmd(), listCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <name>",
		Short: "Query the reference server for a node's assigned rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callRefServer(map[string]any{
				"service": "rank",
				"data":    map[string]any{"user": args[0]},
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every node the reference server currently knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callRefServer(map[string]any{
				"service": "list",
				"data":    map[string]any{},
			})
		},
	}
}

func callRefServer(req map[string]any) error {
	if refAddr == "" {
		return fmt.Errorf("adminctl: --ref is required")
	}
	client, err := transport.DialRefClient(refAddr)
	if err != nil {
		return fmt.Errorf("adminctl: dial reference server: %w", err)
	}
	defer client.Close()

	resp, err := client.Call(req)
	if err != nil {
		return fmt.Errorf("adminctl: call reference server: %w", err)
	}
	return printJSON(resp)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <node-admin-addr>",
		Short: "Hit a node's /health endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			httpClient := &http.Client{Timeout: timeout}
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/health", args[0]))
			if err != nil {
				return fmt.Errorf("adminctl: query node: %w", err)
			}
			defer resp.Body.Close()

			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("adminctl: decode response: %w", err)
			}
			return printJSON(out)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
