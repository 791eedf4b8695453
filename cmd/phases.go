package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lostcityquiz/wikiscrape/internal/pipeline"
)

func newImagesCmd() *cobra.Command {
	return backfillCmd(
		"images",
		"Backfill period-appropriate thumbnails from the primary wiki",
		`Resolves each record's infobox image to the newest file revision
uploaded before the cutoff, falling back to the oldest revision, and
replaces stored thumbnails with those versions.`,
		App.Images,
	)
}

func newSecondaryCmd() *cobra.Command {
	return backfillCmd(
		"secondary",
		"Backfill thumbnails from the secondary wiki",
		`Resolves images for records the primary wiki could not serve, and
for records whose thumbnail came from the primary wiki's oldest revision,
against the secondary wiki.`,
		App.Secondary,
	)
}

func backfillCmd(
	use, short, long string,
	run func(App, context.Context) (pipeline.BackfillResult, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := run(appInstance, cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info(use+" command finished",
				zap.String("run_id", res.RunID),
				zap.Int("resolved", res.Resolved),
				zap.Int("downloaded", res.Downloads.Downloaded),
				zap.Int("skipped", res.Downloads.Skipped),
				zap.Int("failed", res.Downloads.Failed),
				zap.Int("attached", res.Attached),
				zap.Bool("limited", res.Downloads.Limited),
			)
			return nil
		},
	}
}

func newLengthsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lengths",
		Short: "Record each page's markup length as wikiLength",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Lengths(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("lengths command finished",
				zap.Int("titles", res.Titles),
				zap.Int("with_markup", res.WithMarkup),
				zap.Int("records", res.Records),
			)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Upsert content.json into Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			written, err := appInstance.Export(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("export command finished", zap.Int("records", written))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check content.json and its thumbnails",
		Long: `Checks required fields, categories, release dates, id uniqueness,
referenced thumbnail files and per-category minimum counts. Exits non-zero
when any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Validate(cmd.Context(), appInstance.ValidationConfig())
			if err != nil {
				return err
			}
			report.Render(cmd.OutOrStdout())
			if !report.OK() {
				return fmt.Errorf("validation failed with %d error(s)", len(report.Violations))
			}
			return nil
		},
	}
}
