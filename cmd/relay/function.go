package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func functionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "functions",
		Short: "Inspect the function directory",
	}
	cmd.AddCommand(functionsListCmd(), functionsParamsCmd())
	return cmd
}

func functionsListCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			options, err := rt.reg.GetAvailableFunctions(ctx, scope)
			if err != nil {
				return err
			}
			if len(options) == 0 {
				fmt.Println("no functions registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME")
			for _, o := range options {
				fmt.Fprintln(w, o.Name)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Workflow scope (default global)")
	return cmd
}

func functionsParamsCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "params <function>",
		Short: "Show a function's declared parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rt, err := connect(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			defs, err := rt.reg.GetFunctionParameters(ctx, args[0], scope)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Println("no parameters declared")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tREQUIRED\tDESCRIPTION")
			for _, d := range defs {
				required := ""
				if d.Required {
					required = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Type, required, truncate(d.Description, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Workflow scope (default global)")
	return cmd
}
