package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl wiki categories into content.json and download thumbnails",
		Long: `Lists every configured wiki category, extracts release dates and
infobox images from page markup, keeps pages released in the configured
year range, assigns stable ids and downloads a thumbnail per record.
Completed categories are skipped when a run resumes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Crawl(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("run_id", res.RunID),
				zap.Int("records", res.Records),
				zap.Int("categories", res.Categories),
				zap.Int("downloaded", res.Downloads.Downloaded),
				zap.Int("failed", res.Downloads.Failed),
				zap.Bool("limited", res.Downloads.Limited),
			)
			return nil
		},
	}
}
