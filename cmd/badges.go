package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"obf-bridge/internal/client"
	"obf-bridge/internal/database"
)

var issuerCmd = &cobra.Command{
	Use:   "issuer",
	Short: "Show the issuer profile",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		issuer, err := b.comps.Client.GetIssuer(b.ctx)
		if err != nil {
			return err
		}
		return printJSON(issuer)
	}),
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List badge categories",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		categories, err := b.comps.Client.GetCategories(b.ctx)
		if err != nil {
			return err
		}
		return printJSON(categories)
	}),
}

var badgesCmd = &cobra.Command{
	Use:   "badges [badge-id]",
	Short: "List published badges, or show one badge",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		if len(args) == 1 {
			badge, err := b.comps.Client.GetBadge(b.ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(badge)
		}

		badges, err := b.comps.Client.GetBadges(b.ctx, badgeCategories)
		if err != nil {
			return err
		}
		return printJSON(badges)
	}),
}

var assertionsCmd = &cobra.Command{
	Use:   "assertions",
	Short: "List issuance events",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		assertions, err := b.comps.Client.GetAssertions(b.ctx, assertionBadgeID, assertionEmail)
		if err != nil {
			return err
		}
		return printJSON(assertions)
	}),
}

var eventCmd = &cobra.Command{
	Use:   "event <event-id>",
	Short: "Show an issuance event and its revocations",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		event, err := b.comps.Client.GetEvent(b.ctx, args[0])
		if err != nil {
			return err
		}
		revoked, err := b.comps.Client.GetRevoked(b.ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"event":   event,
			"revoked": revoked.Revoked,
		})
	}),
}

var issueCmd = &cobra.Command{
	Use:   "issue <badge-id>",
	Short: "Issue a badge to one or more recipients",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		if len(issueRecipients) == 0 {
			return fmt.Errorf("at least one --recipient is required")
		}

		badge, err := b.comps.Client.GetBadge(b.ctx, args[0])
		if err != nil {
			return err
		}

		err = b.comps.Client.IssueBadge(b.ctx, badge, &client.IssueRequest{
			Recipients:   issueRecipients,
			IssuedOn:     time.Now().Unix(),
			EmailSubject: issueSubject,
			EmailBody:    issueBody,
			EmailFooter:  issueFooter,
		})
		if err != nil {
			return err
		}

		b.record(database.ActionIssued, badge.ID, "", issueRecipients)
		fmt.Printf("Issued %s to %s\n", badge.ID, strings.Join(issueRecipients, ", "))
		return nil
	}),
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <event-id>",
	Short: "Revoke an issued event for the given recipients",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		if err := b.comps.Client.RevokeEvent(b.ctx, args[0], revokeEmails); err != nil {
			return err
		}

		b.record(database.ActionRevoked, "", args[0], revokeEmails)
		fmt.Printf("Revoked event %s for %s\n", args[0], strings.Join(revokeEmails, ", "))
		return nil
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Create a badge definition in the badge factory",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		if exportBadge.Name == "" {
			return fmt.Errorf("--name is required")
		}
		if err := b.comps.Client.ExportBadge(b.ctx, &exportBadge); err != nil {
			return err
		}
		fmt.Printf("Exported badge %q\n", exportBadge.Name)
		return nil
	}),
}

var deleteBadgesCmd = &cobra.Command{
	Use:   "delete-badges",
	Short: "Delete every badge owned by this client",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		if !deleteConfirm {
			return fmt.Errorf("refusing to delete all badges without --yes")
		}
		if err := b.comps.Client.DeleteBadges(b.ctx); err != nil {
			return err
		}
		fmt.Println("All badges deleted")
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the local issuance log",
	RunE: withClient(func(cmd *cobra.Command, args []string, b *bridge) error {
		records, err := b.comps.History(historyBadgeID, historyLimit)
		if err != nil {
			return err
		}
		return printJSON(records)
	}),
}

var (
	badgeCategories  []string
	assertionBadgeID string
	assertionEmail   string
	issueRecipients  []string
	issueSubject     string
	issueBody        string
	issueFooter      string
	revokeEmails     []string
	exportBadge      client.Badge
	deleteConfirm    bool
	historyBadgeID   string
	historyLimit     int
)

func init() {
	badgesCmd.Flags().StringSliceVar(&badgeCategories, "category", nil, "Only list badges in these categories")

	assertionsCmd.Flags().StringVar(&assertionBadgeID, "badge", "", "Only events for this badge")
	assertionsCmd.Flags().StringVar(&assertionEmail, "email", "", "Only events for this recipient")

	issueCmd.Flags().StringSliceVar(&issueRecipients, "recipient", nil, "Recipient email (repeatable)")
	issueCmd.Flags().StringVar(&issueSubject, "subject", "", "Email subject")
	issueCmd.Flags().StringVar(&issueBody, "body", "", "Email body")
	issueCmd.Flags().StringVar(&issueFooter, "footer", "", "Email footer")

	revokeCmd.Flags().StringSliceVar(&revokeEmails, "email", nil, "Recipient email to revoke (repeatable)")
	revokeCmd.MarkFlagRequired("email")

	exportCmd.Flags().StringVar(&exportBadge.Name, "name", "", "Badge name")
	exportCmd.Flags().StringVar(&exportBadge.Description, "description", "", "Badge description")
	exportCmd.Flags().StringVar(&exportBadge.Image, "image", "", "Badge image as a data URL")
	exportCmd.Flags().StringVar(&exportBadge.CriteriaHTML, "criteria", "", "Criteria as HTML")
	exportCmd.Flags().BoolVar((*bool)(&exportBadge.Draft), "draft", false, "Create the badge as a draft")

	deleteBadgesCmd.Flags().BoolVar(&deleteConfirm, "yes", false, "Confirm deleting every badge")

	historyCmd.Flags().StringVar(&historyBadgeID, "badge", "", "Only entries for this badge")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries")

	rootCmd.AddCommand(issuerCmd, categoriesCmd, badgesCmd, assertionsCmd, eventCmd,
		issueCmd, revokeCmd, exportCmd, deleteBadgesCmd, historyCmd)
}
