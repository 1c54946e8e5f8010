package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/relay/internal/consumer"
	"github.com/oriys/relay/internal/recovery"
)

func consumersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumers",
		Short: "Inspect and clean up stream consumers",
	}
	cmd.AddCommand(consumersListCmd(), consumersCleanupCmd())
	return cmd
}

func consumersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered consumers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.broker == nil {
				return fmt.Errorf("consumers require a broker-backed mode")
			}

			states := consumer.NewStateManager(rt.broker, rt.keys, rt.cfg.Consumer)
			ids, err := states.List(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no consumers registered")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONSUMER\tFUNCTION\tSTATUS\tERRORS\tHEARTBEAT\tHEALTHY")
			for _, id := range ids {
				st, err := states.Get(ctx, id)
				if err != nil {
					return err
				}
				if st == nil {
					fmt.Fprintf(w, "%s\t-\t(expired)\t-\t-\tno\n", truncate(id, 40))
					continue
				}
				healthy := "no"
				if states.IsHealthy(st, now) {
					healthy = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					truncate(id, 40), st.FunctionName, st.Status, st.ErrorCount,
					now.Sub(st.LastHeartbeat).Truncate(time.Second), healthy)
			}
			return w.Flush()
		},
	}
	return cmd
}

func consumersCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale consumers from the supervision sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.broker == nil {
				return fmt.Errorf("consumers require a broker-backed mode")
			}

			states := consumer.NewStateManager(rt.broker, rt.keys, rt.cfg.Consumer)
			removed, err := states.CleanupStale(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d stale consumer(s)\n", removed)
			return nil
		},
	}
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass: stale workers, stale consumers, stuck calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.broker == nil {
				return fmt.Errorf("recovery requires a broker-backed mode")
			}

			states := consumer.NewStateManager(rt.broker, rt.keys, rt.cfg.Consumer)
			sweeper := recovery.NewSweeper(rt.broker, rt.keys, states, rt.cfg.Recovery)
			report, err := sweeper.AttemptRecovery(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("stale workers removed: %d\nstale consumers removed: %d\nstuck calls reclaimed: %d\n",
				report.StaleWorkers, report.StaleConsumers, report.Reclaimed)
			return nil
		},
	}
	return cmd
}
