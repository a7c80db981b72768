package scraper

// Pinterest DOM selectors and URLs.
// These are isolated here because Pinterest changes its markup frequently.
// Update these when scraping breaks.

const (
	BaseURL   = "https://www.pinterest.com"
	SearchURL = BaseURL + "/search/pins/?q="
	PinURL    = BaseURL + "/pin/"
)

// PinCardSelectors are tried in order; the first that matches anything wins.
var PinCardSelectors = []string{
	`[data-test-id="pin"]`,
	`[data-test-id="pinWrapper"]`,
	`div[data-test-id="pin-card"]`,
	`div[role="listitem"]`,
	`.Grid__Item`,
}

const (
	// PinImage is the image inside a pin card.
	PinImage = `img[srcset], img[src]`
	// PinLink carries the pin id in its href.
	PinLink = `a[href*="/pin/"]`
	// PinTitle holds the visible title on a card or detail page.
	PinTitle = `[data-test-id="pinTitle"], h1`

	// StateScript is the server-rendered Redux state.
	StateScript = `script#__PWS_DATA__, script#__PWS_INITIAL_PROPS__`

	// WaitForGrid appears once search results have rendered.
	WaitForGrid = `div[role="list"], [data-test-id="pin"]`
)

// apiMarkers identify XHR responses that carry pin lists.
var apiMarkers = []string{
	"BaseSearchResource",
	"SearchResource",
	"RelatedPinsResource",
	"RelatedPinFeedResource",
	"MoreLikeThisResource",
	"CloseupDetailsResource",
	"PinResource",
	"/v3/search/pins",
	"/_/graphql/",
}
