// Package engine contains the browser-automation engine invoked by the run
// orchestrator: single-URL content conversion for scrape robots and
// workflow interpretation for the rest.
package engine

import (
	"context"
	"fmt"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// Converter renders one URL into one output format using the worker's
// browser page.
type Converter struct {
	logger *zap.Logger
}

// NewConverter constructs a Converter.
func NewConverter(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

// Convert navigates the page to the URL and captures the requested format.
// The caller's deadline and cancellation propagate into the browser run, so
// a timed-out conversion is actually stopped rather than left racing in the
// background.
func (c *Converter) Convert(ctx context.Context, page robot.Page, url string, format robot.OutputFormat) (robot.ConvertedOutput, error) {
	if page.Ctx == nil {
		return robot.ConvertedOutput{}, fmt.Errorf("page has no browser context")
	}

	runCtx, cancel := bindCaller(page.Ctx, ctx)
	defer cancel()

	nav := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	}

	start := time.Now()
	var out robot.ConvertedOutput
	var err error
	switch format {
	case robot.FormatHTML:
		var html string
		err = chromedp.Run(runCtx, append(nav, chromedp.OuterHTML("html", &html, chromedp.ByQuery))...)
		out.Text = html
	case robot.FormatMarkdown:
		var html string
		err = chromedp.Run(runCtx, append(nav, chromedp.OuterHTML("html", &html, chromedp.ByQuery))...)
		if err == nil {
			out.Text, err = HTMLToMarkdown(html)
		}
	case robot.FormatScreenshot:
		var buf []byte
		capture := chromedp.ActionFunc(func(ctx context.Context) error {
			var captureErr error
			buf, captureErr = cdppage.CaptureScreenshot().
				WithFormat(cdppage.CaptureScreenshotFormatPng).
				Do(ctx)
			return captureErr
		})
		err = chromedp.Run(runCtx, append(nav, capture)...)
		out.Data = buf
	case robot.FormatScreenshotFullPage:
		var buf []byte
		err = chromedp.Run(runCtx, append(nav, chromedp.FullScreenshot(&buf, 90))...)
		out.Data = buf
	default:
		return robot.ConvertedOutput{}, fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return robot.ConvertedOutput{}, fmt.Errorf("convert %s: %w", format, err)
	}

	c.logger.Debug("page converted",
		zap.String("url", url),
		zap.String("format", string(format)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// bindCaller derives a run context from the browser context while honoring
// the caller's deadline and cancellation. chromedp requires its own context
// chain, so the caller's cannot be passed straight through.
func bindCaller(pageCtx, caller context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := caller.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(pageCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(pageCtx)
	}
	stop := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
