package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webmaster-cyber/sendmailzw/internal/config"
	"github.com/webmaster-cyber/sendmailzw/internal/listwriter"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign lifecycle commands",
}

var campaignStartCmd = &cobra.Command{
	Use:   "start <company-id> <campaign-id>",
	Short: "Activate a campaign and queue its recipient list",
	Args:  cobra.ExactArgs(2),
	RunE:  runCampaignStart,
}

func init() {
	campaignCmd.AddCommand(campaignStartCmd)
}

// buildWriter wires the list writer: recipients come from uploaded contact
// list blocks and the body from the campaign's authored template, both in
// the list writer's data bucket.
func buildWriter(b *backends, cfg *config.Config) *listwriter.Writer {
	segments := listwriter.NewListSegments(b.store, b.objects, cfg.ListWriter.DataBucket)
	render := listwriter.NewTrackedTemplate(b.objects, cfg.ListWriter.DataBucket)
	return listwriter.NewWriter(b.store, b.objects, segments, render, cfg.ListWriter)
}

func runCampaignStart(cmd *cobra.Command, args []string) error {
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

	return buildWriter(b, cfg).CampaignStart(ctx, args[0], args[1])
}
