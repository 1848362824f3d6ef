package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"tipwatch/internal/session/browser"
	logx "tipwatch/pkg/logx"
)

// Scraper reads the tip menu of a room.
type Scraper interface {
	Scrape(ctx context.Context, roomID string) (Page, error)
}

// ScraperFunc adapts a function to Scraper.
type ScraperFunc func(ctx context.Context, roomID string) (Page, error)

func (f ScraperFunc) Scrape(ctx context.Context, roomID string) (Page, error) { return f(ctx, roomID) }

// clickScript clicks the first leaf-ish element whose text contains one of
// the keywords and reports whether it found one.
const clickScript = `(function(keywords){
  const nodes = Array.from(document.querySelectorAll('button, a, [role="tab"], [role="button"], li, div, span'));
  for (const kw of keywords) {
    const hit = nodes.find(el => el.children.length <= 2 && (el.innerText || '').includes(kw));
    if (hit) { hit.scrollIntoView({block: 'center'}); hit.click(); return true; }
  }
  return false;
})(%s)`

const overlayScript = `(function(){
  const sels = ['div.full-cover.modal-wrapper button', 'div#agreement-root button'];
  let n = 0;
  for (const s of sels) { const b = document.querySelector(s); if (b) { b.click(); n++; } }
  return n;
})()`

const extractScript = `(function(){
  const rows = [];
  const tables = ['div.ModelChatActionsSectionsWithScroll__section_tipMenu table', 'div.ModelChatActionsSectionsWithScroll__section table', 'table'];
  for (const sel of tables) {
    for (const table of document.querySelectorAll(sel)) {
      for (const row of table.querySelectorAll('tr')) {
        const a = row.querySelector('.tip-menu-item-activity-cell, td:nth-child(1), td');
        const p = row.querySelector('.tip-menu-item-price-cell, td:nth-child(2), td + td');
        if (a && p) rows.push({activity: (a.textContent || '').trim(), price: (p.textContent || '').trim()});
      }
    }
    if (rows.length) break;
  }
  const cards = [];
  if (!rows.length) {
    const kw = /(小费|选单|tip|menu|token|代币)/i;
    const sels = ['div.ModelChatActionsSectionsWithScroll__section_tipMenu', '[class*="tip-menu"]', '[class*="tipMenu"]', '[data-test*="tip"]', '[data-testid*="tip"]', '[role="tabpanel"]', 'section'];
    const seen = new Set();
    for (const sel of sels) {
      for (const c of document.querySelectorAll(sel)) {
        if (seen.has(c) || !kw.test(c.textContent || '')) continue;
        seen.add(c);
        for (const n of c.querySelectorAll('tr, li, div, p, span')) {
          const t = (n.innerText || n.textContent || '').trim();
          if (t && t.length < 200) cards.push(t);
        }
      }
    }
  }
  return {rows: rows, cards: cards};
})()`

var (
	fullMenuKeywords = []string{"完整小费菜单", "完整菜单", "完整", "Full menu", "Full tip menu", "Show full"}
	sendTipKeywords  = []string{"发送小费", "Send tip", "Send Tip"}
	tipTabKeywords   = []string{"小费选单", "小费菜单", "Tip menu", "Tip Menu", "TIP MENU"}
)

// ChromeScraper opens the room page, expands the tip menu and reads it.
type ChromeScraper struct {
	opts browser.Options
	log  logx.Logger
}

func NewChromeScraper(opts browser.Options) *ChromeScraper {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = browser.DefaultBaseURL
	}
	return &ChromeScraper{opts: opts, log: log.With(logx.String("comp", "catalog.scraper"))}
}

func (s *ChromeScraper) Scrape(ctx context.Context, roomID string) (Page, error) {
	allocCtx, allocCancel := browser.NewAllocator(ctx, s.opts)
	defer allocCancel()
	bctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	if err := chromedp.Run(bctx); err != nil {
		return Page{}, fmt.Errorf("start browser: %w", err)
	}
	home := browser.RoomURL(s.opts.BaseURL, roomID)
	navCtx, navCancel := context.WithTimeout(bctx, s.opts.NavTimeout)
	err := chromedp.Run(navCtx, chromedp.Navigate(home), chromedp.Sleep(2*time.Second))
	navCancel()
	if err != nil {
		return Page{}, fmt.Errorf("navigate %s: %w", home, err)
	}

	runCtx, runCancel := context.WithTimeout(bctx, 45*time.Second)
	defer runCancel()

	s.click(runCtx, roomID, "full menu", fullMenuKeywords, 3*time.Second)
	var closed int
	_ = chromedp.Run(runCtx, chromedp.Evaluate(overlayScript, &closed))
	s.click(runCtx, roomID, "send tip", sendTipKeywords, 2*time.Second)
	s.click(runCtx, roomID, "tip menu tab", tipTabKeywords, 2*time.Second)

	var p Page
	if err := chromedp.Run(runCtx, chromedp.Evaluate(extractScript, &p)); err != nil {
		return Page{}, fmt.Errorf("extract menu: %w", err)
	}
	s.log.Debug("menu page read", logx.Room(roomID), logx.Int("rows", len(p.Rows)), logx.Int("cards", len(p.Cards)))
	return p, nil
}

func (s *ChromeScraper) click(ctx context.Context, roomID, what string, keywords []string, settle time.Duration) {
	var ok bool
	err := chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(clickScript, jsStrings(keywords)), &ok))
	if err != nil {
		s.log.Debug("click failed", logx.Room(roomID), logx.String("target", what), logx.Err(err))
		return
	}
	if ok {
		_ = chromedp.Run(ctx, chromedp.Sleep(settle))
	}
}
