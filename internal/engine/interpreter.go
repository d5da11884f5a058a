package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// InterpreterConfig bounds workflow replay.
type InterpreterConfig struct {
	// MaxCrawlPages caps how many discovered pages a crawl robot visits.
	MaxCrawlPages int
	// StepTimeout bounds each individual step action.
	StepTimeout time.Duration
}

// Interpreter replays a robot's recorded workflow steps against the current
// browser page. It reports every navigation through the page-change
// callback so the dispatcher never holds a stale handle.
type Interpreter struct {
	cfg        InterpreterConfig
	discoverer *LinkDiscoverer
	logger     *zap.Logger
}

// NewInterpreter constructs an Interpreter.
func NewInterpreter(cfg InterpreterConfig, discoverer *LinkDiscoverer, logger *zap.Logger) *Interpreter {
	if cfg.MaxCrawlPages <= 0 {
		cfg.MaxCrawlPages = 10
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{cfg: cfg, discoverer: discoverer, logger: logger}
}

// Interpret executes the robot's workflow and returns its collected
// outputs. The caller's deadline propagates into every browser action.
func (i *Interpreter) Interpret(
	ctx context.Context,
	rb robot.Robot,
	page robot.Page,
	onPageChanged func(robot.Page),
) (robot.InterpretationResult, error) {
	if page.Ctx == nil {
		return robot.InterpretationResult{}, fmt.Errorf("page has no browser context")
	}
	if onPageChanged == nil {
		onPageChanged = func(robot.Page) {}
	}

	state := &replay{
		page:       page,
		onChanged:  onPageChanged,
		structured: make(map[string]any),
		binary:     make(map[string][]byte),
	}

	urls := rb.TargetURLs
	if rb.Type == robot.RobotTypeCrawl && i.discoverer != nil && len(urls) > 0 {
		discovered, err := i.discoverer.Discover(ctx, urls[0], i.cfg.MaxCrawlPages)
		if err != nil {
			state.logf("link discovery failed for %s: %v", urls[0], err)
		} else {
			urls = discovered
			state.logf("discovered %d pages from %s", len(urls), rb.TargetURLs[0])
		}
	}

	for _, url := range urls {
		if err := i.visit(ctx, state, url, rb.Steps); err != nil {
			return robot.InterpretationResult{}, err
		}
	}

	return robot.InterpretationResult{
		StructuredOutput: state.structured,
		BinaryOutput:     state.binary,
		Log:              state.log.String(),
	}, nil
}

func (i *Interpreter) visit(ctx context.Context, state *replay, url string, steps []robot.Step) error {
	if err := i.runActions(ctx, state, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	state.pageChanged(url)
	state.logf("visited %s", url)

	for idx, step := range steps {
		if err := i.runStep(ctx, state, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", idx+1, step.Action, err)
		}
	}
	return nil
}

func (i *Interpreter) runStep(ctx context.Context, state *replay, step robot.Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, i.cfg.StepTimeout)
	defer cancel()

	switch step.Action {
	case robot.ActionNavigate:
		if err := i.runActions(stepCtx, state, chromedp.Navigate(step.Value), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return err
		}
		state.pageChanged(step.Value)
		state.logf("navigated to %s", step.Value)
		return nil
	case robot.ActionClick:
		if err := i.runActions(stepCtx, state, chromedp.Click(step.Selector, chromedp.ByQuery)); err != nil {
			return err
		}
		return i.refreshLocation(stepCtx, state)
	case robot.ActionType:
		return i.runActions(stepCtx, state, chromedp.SendKeys(step.Selector, step.Value, chromedp.ByQuery))
	case robot.ActionWaitFor:
		return i.runActions(stepCtx, state, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))
	case robot.ActionExtract:
		return i.extract(stepCtx, state, step)
	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

func (i *Interpreter) extract(ctx context.Context, state *replay, step robot.Step) error {
	category := step.Category
	if category == "" {
		category = "items"
	}
	var values []string
	err := i.runActions(ctx, state, chromedp.Evaluate(extractScript(step.Selector), &values))
	if err != nil {
		return err
	}
	state.appendCategory(category, values)
	state.logf("extracted %d values into %q", len(values), category)
	return nil
}

// extractScript collects the trimmed text content of every selector match.
func extractScript(selector string) string {
	escaped := strings.ReplaceAll(selector, `"`, `\"`)
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll("%s")).map(n => n.textContent.trim()).filter(t => t.length > 0)`,
		escaped,
	)
}

// refreshLocation re-reads the page URL after actions that may navigate.
func (i *Interpreter) refreshLocation(ctx context.Context, state *replay) error {
	var current string
	if err := i.runActions(ctx, state, chromedp.Location(&current)); err != nil {
		return err
	}
	if current != state.page.URL {
		state.pageChanged(current)
		state.logf("page changed to %s", current)
	}
	return nil
}

func (i *Interpreter) runActions(ctx context.Context, state *replay, actions ...chromedp.Action) error {
	runCtx, cancel := bindCaller(state.page.Ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// replay tracks mutable interpretation state across steps.
type replay struct {
	page       robot.Page
	onChanged  func(robot.Page)
	structured map[string]any
	binary     map[string][]byte
	log        strings.Builder
}

func (r *replay) pageChanged(url string) {
	r.page = robot.Page{WorkerID: r.page.WorkerID, Ctx: r.page.Ctx, URL: url}
	r.onChanged(r.page)
}

func (r *replay) appendCategory(category string, values []string) {
	existing, _ := r.structured[category].([]string)
	r.structured[category] = append(existing, values...)
}

func (r *replay) logf(format string, args ...any) {
	fmt.Fprintf(&r.log, format+"\n", args...)
}
