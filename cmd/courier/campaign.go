package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/app"
	"github.com/foxzi/courier/internal/models"
)

var (
	triggerName     string
	triggerChannel  string
	triggerSubject  string
	triggerContent  string
	triggerAudience string
	triggerMedia    []string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Create a campaign and deliver it now",
	Long: `Create a one-shot campaign and run it to completion in the foreground.

The engine database is locked while the server runs; use the HTTP API to
trigger campaigns on a running instance.

Examples:
  courier campaign trigger -c config.yaml --channel sms --audience leads --content "Hi {{first_name}}"
  courier campaign trigger -c config.yaml --channel email --audience group:vip \
    --subject "News" --content "Spring offers"`,
	RunE: runCampaignTrigger,
}

func init() {
	campaignTriggerCmd.Flags().StringVar(&triggerName, "name", "cli trigger", "Campaign name")
	campaignTriggerCmd.Flags().StringVar(&triggerChannel, "channel", "", "Channel: email, sms, chat-direct, voice, chat-broadcast (required)")
	campaignTriggerCmd.Flags().StringVar(&triggerSubject, "subject", "", "Email subject")
	campaignTriggerCmd.Flags().StringVar(&triggerContent, "content", "", "Message content (required)")
	campaignTriggerCmd.Flags().StringVar(&triggerAudience, "audience", "", "Audience: all, leads, clients, group:<id>, individual:<address> (required)")
	campaignTriggerCmd.Flags().StringSliceVar(&triggerMedia, "media", nil, "Media URLs")
	campaignTriggerCmd.MarkFlagRequired("channel")
	campaignTriggerCmd.MarkFlagRequired("content")
	campaignTriggerCmd.MarkFlagRequired("audience")

	campaignCmd.AddCommand(campaignTriggerCmd)
	rootCmd.AddCommand(campaignCmd)
}

func triggerCampaign() (*models.Campaign, error) {
	ch := models.Channel(triggerChannel)
	if !ch.Valid() {
		return nil, fmt.Errorf("unknown channel: %s", triggerChannel)
	}
	return &models.Campaign{
		Name:     triggerName,
		Channel:  ch,
		Subject:  triggerSubject,
		Content:  triggerContent,
		Media:    triggerMedia,
		Audience: models.Audience{Kind: triggerAudience},
	}, nil
}

func runCampaignTrigger(cmd *cobra.Command, args []string) error {
	c, err := triggerCampaign()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Only the campaign processor is needed
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done, err := application.Processor().Trigger(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to trigger campaign: %w", err)
	}

	fmt.Printf("Campaign %s %s\n", done.ID, done.Status)
	fmt.Printf("  Recipients: %d\n", done.TotalRecipients)
	fmt.Printf("  Delivered:  %d\n", done.SuccessCount)
	fmt.Printf("  Failed:     %d\n", done.FailedCount)
	if done.LastError != "" {
		fmt.Printf("  Error:      %s\n", done.LastError)
	}
	if done.Status == models.CampaignFailed {
		return fmt.Errorf("campaign %s failed", done.ID)
	}
	return nil
}
