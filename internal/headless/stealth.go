package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript runs before any page script and hides the usual headless
// tells.
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  Object.defineProperty(navigator, 'plugins', {
    get: () => [
      { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
      { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
      { name: 'Native Client', filename: 'internal-nacl-plugin' },
    ],
  });
  window.chrome = window.chrome || { runtime: {}, loadTimes: () => ({}), csi: () => ({}) };
  const query = window.navigator.permissions && window.navigator.permissions.query;
  if (query) {
    window.navigator.permissions.query = (p) =>
      p && p.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : query(p);
  }
})();`

// scrollStops are fractions of the page height visited before the shot.
var scrollStops = []float64{0.25, 0.5, 0.75, 0}

func injectStealth() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return fmt.Errorf("add stealth script: %w", err)
		}
		return nil
	})
}

// simulateReader moves the pointer across the viewport and scrolls the page
// in stages, ending back at the top so the screenshot shows the hero area.
func simulateReader(width, height int, pause time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		w, h := float64(width), float64(height)
		points := [][2]float64{{w * 0.2, h * 0.3}, {w * 0.45, h * 0.4}, {w * 0.6, h * 0.55}, {w * 0.5, h * 0.35}}
		for _, p := range points {
			if err := chromedp.MouseEvent(input.MouseMoved, p[0], p[1]).Do(ctx); err != nil {
				return fmt.Errorf("move pointer: %w", err)
			}
			if err := sleep(ctx, pause/4); err != nil {
				return err
			}
		}
		for _, stop := range scrollStops {
			script := fmt.Sprintf("window.scrollTo(0, Math.floor(document.body.scrollHeight * %.2f))", stop)
			if err := chromedp.Evaluate(script, nil).Do(ctx); err != nil {
				return fmt.Errorf("scroll: %w", err)
			}
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
		return nil
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
