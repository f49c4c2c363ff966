package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webmaster-cyber/sendmailzw/internal/config"
	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one queue drain pass and exit",
	RunE:  runDrain,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Send queue inspection commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending queue groups",
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue totals",
	RunE:  runQueueStats,
}

func init() {
	queueListCmd.Flags().Int("limit", 50, "maximum number of groups to list")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.SetupLogging()

	ctx := context.Background()
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	drainer := buildDrainer(b, cfg, buildIngestor(b, cfg))
	return drainer.RunPass(ctx)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := context.Background()
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	groups, err := b.store.QueueGroups(ctx, model.Cursor{}, limit)
	if err != nil {
		return fmt.Errorf("list queue groups: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "COMPANY\tCAMPAIGN\tDOMAIN\tREMAINING")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", g.CompanyID, g.CampaignID, g.Domain, g.Remaining)
	}
	return w.Flush()
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := context.Background()
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, remaining, err := b.store.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	fmt.Printf("Entries: %d\n", entries)
	fmt.Printf("Remaining recipients: %d\n", remaining)
	return nil
}
