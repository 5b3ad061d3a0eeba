package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bftguardv1 "github.com/ahwlsqja/bftguard/api/bftguard/v1"
	"github.com/ahwlsqja/bftguard/transport"
)

const queryTimeout = 5 * time.Second

// withClient dials the query address and calls fn with a bounded context.
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(context.Context, *transport.Client) error) error {
	addr := v.GetString("query_addr")
	client, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, queryTimeout)
	defer cancel()

	if err := fn(ctx, client); err != nil {
		return fmt.Errorf("query %s: %w", addr, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local node's consensus status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *transport.Client) error {
				st, err := c.Status(ctx, &bftguardv1.StatusRequest{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newFaultsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faults [node-id]",
		Short: "List verified evidence, for one node or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &bftguardv1.FaultsRequest{}
			if len(args) == 1 {
				req.NodeId = args[0]
			}
			stats, _ := cmd.Flags().GetBool("stats")

			return withClient(cmd, v, func(ctx context.Context, c *transport.Client) error {
				if stats {
					resp, err := c.Statistics(ctx, &bftguardv1.StatisticsRequest{})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), resp)
				}

				resp, err := c.Faults(ctx, req)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NODE\tFAULT\tREPORTERS\tTIME\tHASH")
				for _, ev := range resp.Evidence {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						ev.NodeId, ev.FaultType, len(ev.Reporters),
						ev.Timestamp.AsTime().Format(time.RFC3339), shortHash(ev.Hash))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Bool("stats", false, "print counts per fault type instead")
	return cmd
}

func newBlacklistCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "blacklist",
		Short: "List blacklisted validators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *transport.Client) error {
				resp, err := c.Blacklist(ctx, &bftguardv1.BlacklistRequest{})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NODE\tSINCE\tEXPIRES")
				for _, e := range resp.Entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.NodeId,
						e.Since.AsTime().Format(time.RFC3339), e.ExpiresAt.AsTime().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func newSlashesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "slashes",
		Short: "List slash events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *transport.Client) error {
				resp, err := c.SlashEvents(ctx, &bftguardv1.SlashEventsRequest{})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NODE\tFAULT\tKIND\tAMOUNT\tSTAKE AFTER\tREMOVED")
				for _, ev := range resp.Events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\n",
						ev.NodeId, ev.FaultType, ev.Kind, ev.Amount, ev.StakeAfter, ev.Removed)
				}
				return tw.Flush()
			})
		},
	}
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
