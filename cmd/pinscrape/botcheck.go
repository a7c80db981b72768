package main

import (
	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"

	"github.com/ibeckermayer/pinscrape/internal/browser"
)

// fingerprintURL reports what a page can learn about the browser.
const fingerprintURL = "https://bot.sannysoft.com"

// botCheckCmd opens the fingerprint audit page in a visible browser with
// the scraper's launch flags and waits for Ctrl-C.
func (c *cli) botCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot-check",
		Short: "Open " + fingerprintURL + " with the scraper's browser flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.app.Interrupt().Context(cmd.Context())
			defer cancel()

			allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, browser.Options(false, c.cfg.Download.UserAgent)...)
			defer allocCancel()
			bctx, bcancel := chromedp.NewContext(allocCtx)
			defer bcancel()

			if err := chromedp.Run(bctx,
				chromedp.Navigate(fingerprintURL),
				chromedp.WaitVisible("body", chromedp.ByQuery),
			); err != nil {
				return err
			}
			c.logger.Info("inspect the browser window, press Ctrl-C to close it")
			<-ctx.Done()
			return nil
		},
	}
}
