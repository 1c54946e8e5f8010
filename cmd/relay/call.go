package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/relay/internal/registry"
	"github.com/oriys/relay/internal/worker"
)

func callCmd() *cobra.Command {
	var (
		scope     string
		params    []string
		paramJSON string
		inputItem string
		timeout   time.Duration
		noWait    bool
		waitReady bool
	)

	cmd := &cobra.Command{
		Use:   "call <function>",
		Short: "Invoke a registered function and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			supplied, err := parseParams(params, paramJSON)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			req := registry.CallRequest{
				FunctionName: name,
				Scope:        scope,
				Parameters:   supplied,
			}
			if inputItem != "" {
				if !json.Valid([]byte(inputItem)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				req.InputItem = json.RawMessage(inputItem)
			}

			if noWait {
				streams, ok := rt.reg.(*registry.StreamsRegistry)
				if !ok {
					return fmt.Errorf("--no-wait requires streams mode")
				}
				callID, err := streams.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				fmt.Println(callID)
				return nil
			}

			var result *registry.CallResult
			if waitReady {
				dir, ok := directoryOf(rt.reg)
				if !ok {
					return fmt.Errorf("--wait-ready requires a broker-backed mode")
				}
				watcher := worker.NewWatcher(rt.notify, rt.keys, dir, rt.cfg.Call.WaitTimeout)
				result, err = watcher.CallWhenReady(ctx, rt.reg, req)
			} else {
				result, err = rt.reg.CallFunction(ctx, req)
			}
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result.Result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Workflow scope (default global)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter as key=value (value parsed as JSON, else string)")
	cmd.Flags().StringVar(&paramJSON, "params", "", "All parameters as a JSON object")
	cmd.Flags().StringVar(&inputItem, "input", "", "Input item as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall call timeout")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Enqueue without waiting for the result (streams mode)")
	cmd.Flags().BoolVar(&waitReady, "wait-ready", false, "Wait for a healthy worker before calling")

	return cmd
}

func directoryOf(reg registry.CallRegistry) (*registry.Directory, bool) {
	switch r := reg.(type) {
	case *registry.PubSubRegistry:
		return r.Directory(), true
	case *registry.StreamsRegistry:
		return r.Directory(), true
	}
	return nil, false
}

// parseParams merges --params JSON with individual --param k=v pairs, the
// pairs winning. A pair value that parses as JSON is kept typed; anything
// else is a string.
func parseParams(pairs []string, paramJSON string) (map[string]any, error) {
	supplied := map[string]any{}
	if paramJSON != "" {
		if err := json.Unmarshal([]byte(paramJSON), &supplied); err != nil {
			return nil, fmt.Errorf("--params is not a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("bad --param %q, expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		supplied[key] = value
	}
	return supplied, nil
}
