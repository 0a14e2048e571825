package pacing

import (
	"context"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// ChromeDriver drives a chromedp tab. Every call runs against the tab context
// it was created with; the caller's context only bounds the call.
type ChromeDriver struct {
	tab context.Context
}

// NewChromeDriver wraps a tab context obtained from chromedp.NewContext.
func NewChromeDriver(tab context.Context) *ChromeDriver {
	return &ChromeDriver{tab: tab}
}

func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(d.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Click performs a selector-based click on the first visible match.
func (d *ChromeDriver) Click(ctx context.Context, target string) error {
	return d.run(ctx, chromedp.Click(target, chromedp.NodeVisible, chromedp.ByQuery))
}

// Focus focuses the first match of target.
func (d *ChromeDriver) Focus(ctx context.Context, target string) error {
	return d.run(ctx, chromedp.Focus(target, chromedp.ByQuery))
}

// KeyPress dispatches a single key down/up pair for key.
func (d *ChromeDriver) KeyPress(ctx context.Context, key rune) error {
	return d.run(ctx, chromedp.KeyEvent(string(key)))
}

// BoundingBox resolves the content box of the first match of target without
// waiting for it to appear.
func (d *ChromeDriver) BoundingBox(ctx context.Context, target string) (Rect, bool, error) {
	var nodes []*cdp.Node
	var box *dom.BoxModel
	err := d.run(ctx,
		chromedp.Nodes(target, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(nodes) == 0 {
				return nil
			}
			var err error
			box, err = dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return Rect{}, false, fmt.Errorf("resolve box for %s: %w", target, err)
	}
	if box == nil || len(box.Content) < 8 {
		return Rect{}, false, nil
	}
	return quadToRect(box.Content), true, nil
}

// ClickAt dispatches a left click at absolute viewport coordinates.
func (d *ChromeDriver) ClickAt(ctx context.Context, x, y float64) error {
	return d.run(ctx, chromedp.MouseClickXY(x, y))
}

// quadToRect converts a CDP quad (four x,y pairs) to its axis-aligned bounds.
func quadToRect(q dom.Quad) Rect {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX = math.Min(minX, q[i])
		maxX = math.Max(maxX, q[i])
		minY = math.Min(minY, q[i+1])
		maxY = math.Max(maxY, q[i+1])
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
