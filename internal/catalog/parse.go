package catalog

import (
	"regexp"
	"strings"

	"tipwatch/internal/room"
)

// DefaultStopWords drop progress and goal lines that sit next to menu rows.
var DefaultStopWords = []string{"目标", "总共支付", "已支付", "支付", "进度", "goal", "target", "total", "paid", "progress"}

// Row is one table row read from the page.
type Row struct {
	Activity string `json:"activity"`
	Price    string `json:"price"`
}

// Page is what the in-page script returns: table rows when the menu is a
// table, otherwise the texts of card-like nodes.
type Page struct {
	Rows  []Row    `json:"rows"`
	Cards []string `json:"cards"`
}

var (
	priceRe = regexp.MustCompile(`\d+`)
	cardRe  = regexp.MustCompile(`(?is)^(.*?)(\d+)\s*(代币|tokens|token)`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Items extracts menu entries from p. Table rows win; cards are only used
// when no row survives filtering.
func Items(p Page, stopWords []string) []room.CatalogItem {
	if len(stopWords) == 0 {
		stopWords = DefaultStopWords
	}
	c := collector{stop: lowerAll(stopWords), seen: map[string]bool{}}
	for _, r := range p.Rows {
		c.push(r.Activity, r.Price)
	}
	if len(c.out) == 0 {
		for _, text := range p.Cards {
			if c.stopped(text) {
				continue
			}
			if m := cardRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
				c.push(m[1], m[2])
			}
		}
	}
	return c.out
}

type collector struct {
	stop []string
	seen map[string]bool
	out  []room.CatalogItem
}

func (c *collector) stopped(s string) bool {
	ls := strings.ToLower(s)
	for _, w := range c.stop {
		if w != "" && strings.Contains(ls, w) {
			return true
		}
	}
	return false
}

func (c *collector) push(activity, price string) {
	activity = strings.TrimSpace(spaceRe.ReplaceAllString(activity, " "))
	num := priceRe.FindString(price)
	if activity == "" || num == "" || c.stopped(activity) {
		return
	}
	key := activity + "|" + num
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.out = append(c.out, room.CatalogItem{Activity: activity, Price: num})
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
