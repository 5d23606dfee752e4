package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"linkedin-watcher/pkg/ledger"
)

// The source renders result pages with different markup depending on login
// state and rollout bucket, so every field is resolved through an ordered
// selector cascade: strategies are tried in sequence until one yields a
// well-formed value.
var (
	cardSelectors = []string{
		"li[data-occludable-job-id]",
		"div.job-card-container",
		"ul.jobs-search__results-list > li",
		"div.base-card",
	}
	titleSelectors = []string{
		"h3.base-search-card__title",
		".base-search-card__title",
		"a.job-card-list__title",
		"a[class*='job-card-container__link'] strong",
	}
	companySelectors = []string{
		"h4.base-search-card__subtitle",
		".base-search-card__subtitle",
		".job-card-container__company-name",
		"div.artdeco-entity-lockup__subtitle",
	}
	locationSelectors = []string{
		".base-search-card__metadata .job-search-card__location",
		".base-search-card__metadata",
		".job-card-container__metadata-item",
		"div.artdeco-entity-lockup__caption li",
	}

	entityURNRe = regexp.MustCompile(`:jobPosting:(\d+)`)
	jobViewRe   = regexp.MustCompile(`/jobs/view/[^/]*?(\d+)`)
)

// parseResults extracts all job cards from a result page. Cards without a
// resolvable external id are dropped and counted as skipped; a partial
// listing must never reach the ledger.
func parseResults(doc *goquery.Document) (records []ledger.RawRecord, skipped int) {
	var cards *goquery.Selection
	for _, sel := range cardSelectors {
		found := doc.Find(sel)
		if found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return nil, 0
	}

	cards.Each(func(_ int, card *goquery.Selection) {
		rec, ok := parseCard(card)
		if !ok {
			skipped++
			return
		}
		records = append(records, rec)
	})
	return records, skipped
}

func parseCard(card *goquery.Selection) (ledger.RawRecord, bool) {
	id := jobID(card)
	if id == "" {
		return ledger.RawRecord{}, false
	}

	title := cleanText(firstText(card, titleSelectors))
	if title == "" {
		return ledger.RawRecord{}, false
	}

	rec := ledger.RawRecord{
		ExternalID: id,
		Title:      title,
		Company:    cleanText(firstText(card, companySelectors)),
		Location:   cleanText(firstText(card, locationSelectors)),
		URL:        baseURL + "/jobs/view/" + id,
	}
	if posted, ok := card.Find("time").First().Attr("datetime"); ok {
		rec.PostedAt = posted
	}
	return rec, true
}

// jobID resolves the external id from a card, trying the occludable data
// attribute, the entity URN, and finally the job-view link href.
func jobID(card *goquery.Selection) string {
	if id, ok := card.Attr("data-occludable-job-id"); ok && id != "" {
		return id
	}
	if urn, ok := card.Find("[data-entity-urn]").First().Attr("data-entity-urn"); ok {
		if m := entityURNRe.FindStringSubmatch(urn); m != nil {
			return m[1]
		}
	}
	if id, ok := card.Attr("data-job-id"); ok && id != "" {
		return id
	}
	if href, ok := card.Find("a[href*='/jobs/view/']").First().Attr("href"); ok {
		if m := jobViewRe.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	return ""
}

func firstText(card *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// cleanText collapses whitespace and strips the verification suffix the
// source appends to some titles and company names.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, " with verification", "")
	return strings.Join(strings.Fields(s), " ")
}
