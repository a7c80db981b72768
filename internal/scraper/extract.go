package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// imageSizes are the width variants Pinterest serves under /<n>x/.
var imageSizes = []int{136, 170, 236, 474, 564, 736, 1200}

var (
	pinHrefRe  = regexp.MustCompile(`/pin/(\d+)/?`)
	sizePathRe = regexp.MustCompile(`/(\d+)x/`)
	sizeTailRe = regexp.MustCompile(`[_-](\d+)\.(?:jpe?g|png|gif|webp)$`)
	pinimgRe   = regexp.MustCompile(`^(https://i\.pinimg\.com)/\d+x/(.+)$`)
	imageURLRe = regexp.MustCompile(`https://i\.pinimg\.com/(?:originals|\d+x)/[^"'<>\s\\]+\.(?:jpe?g|png|gif|webp)`)
)

// sizeLabel derives the image_urls key for an image URL.
func sizeLabel(u string) string {
	if strings.Contains(u, "/originals/") {
		return "original"
	}
	if m := sizePathRe.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	if m := sizeTailRe.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return "original"
}

// ParseSrcset maps each candidate of an img srcset to its size label.
func ParseSrcset(srcset string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		out[sizeLabel(fields[0])] = fields[0]
	}
	return out
}

// URLsFromSrc expands a single image URL into the variants Pinterest
// serves for it: the original plus every standard width.
func URLsFromSrc(src string) map[string]string {
	if src == "" {
		return nil
	}
	label := sizeLabel(src)
	out := map[string]string{label: src}
	if label == "original" {
		return out
	}
	m := pinimgRe.FindStringSubmatch(src)
	if m == nil {
		return out
	}
	out["original"] = m[1] + "/originals/" + m[2]
	for _, s := range imageSizes {
		key := strconv.Itoa(s)
		if _, ok := out[key]; !ok {
			out[key] = fmt.Sprintf("%s/%dx/%s", m[1], s, m[2])
		}
	}
	return out
}

// PinIDFromHref returns the numeric id in a /pin/<id>/ link.
func PinIDFromHref(href string) string {
	if m := pinHrefRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

// ExtractHTML returns the pins rendered in a search results page. Cards
// are parsed first; when none carry an image the server-rendered state is
// used instead.
func ExtractHTML(html string) ([]pin.Raw, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	var cards *goquery.Selection
	for _, sel := range PinCardSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			cards = found
			break
		}
	}

	var out []pin.Raw
	if cards != nil {
		cards.Each(func(_ int, card *goquery.Selection) {
			if raw, ok := parseCard(card); ok {
				out = append(out, raw)
			}
		})
	}
	if len(out) == 0 {
		out = statePins(doc.Selection)
	}
	return dedupe(out), nil
}

func parseCard(card *goquery.Selection) (pin.Raw, bool) {
	id := card.AttrOr("data-pin-id", "")
	if id == "" {
		id = card.Find("[data-pin-id]").First().AttrOr("data-pin-id", "")
	}
	if id == "" {
		id = PinIDFromHref(card.Find(PinLink).First().AttrOr("href", ""))
	}
	if id == "" {
		return nil, false
	}

	img := card.Find(PinImage).First()
	urls := ParseSrcset(img.AttrOr("srcset", ""))
	if len(urls) == 0 {
		urls = URLsFromSrc(img.AttrOr("src", ""))
	}
	if len(urls) == 0 {
		return nil, false
	}

	raw := pin.Raw{
		"id":                id,
		"image_urls":        urls,
		"largest_image_url": pin.LargestImageURL(urls),
		"url":               PinURL + id + "/",
	}
	if title := strings.TrimSpace(card.Find(PinTitle).First().Text()); title != "" {
		raw["title"] = title
	}
	for _, attr := range []string{"alt", "title", "aria-label"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			raw["description"] = v
			break
		}
	}
	return raw, true
}

// statePins reads props.initialReduxState.pins from the page's state script.
func statePins(doc *goquery.Selection) []pin.Raw {
	var out []pin.Raw
	doc.Find(StateScript).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		data, err := decodeJSON([]byte(s.Text()))
		if err != nil {
			return true
		}
		pins, ok := dig(data, "props", "initialReduxState", "pins").(map[string]any)
		if !ok {
			return true
		}
		for id, v := range pins {
			item, ok := v.(map[string]any)
			if !ok {
				continue
			}
			raw := pin.Raw(item)
			if pin.Stringify(raw["id"]) == "" {
				raw["id"] = id
			}
			out = append(out, raw)
		}
		return len(out) == 0
	})
	return out
}

// responsePaths are the places pin lists appear in API responses.
var responsePaths = [][]string{
	{"resource_response", "data"},
	{"resource_response", "data", "results"},
	{"resource_response", "data", "related_pins"},
	{"data", "v3RelatedPinsForPinSeoQuery", "data", "connection", "edges"},
	{"data", "node", "pins"},
	{"data", "viewer", "pins"},
	{"data", "results"},
	{"data", "pins"},
	{"data", "related_pins"},
	{"results"},
	{"pins"},
}

var pinFields = []string{"id", "images", "image", "title", "description", "entityId"}

// ExtractResponse returns the pins in a Pinterest API response body.
// Resource and GraphQL layouts are both understood. GraphQL nodes carry
// an encoded id alongside the numeric entityId; the numeric one is kept.
func ExtractResponse(body []byte) ([]pin.Raw, error) {
	data, err := decodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var out []pin.Raw
	for _, path := range responsePaths {
		list, ok := dig(data, path...).([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if node, ok := m["node"].(map[string]any); ok {
				m = node
			}
			if raw, ok := responsePin(m); ok {
				out = append(out, raw)
			}
		}
	}
	return dedupe(out), nil
}

func responsePin(m map[string]any) (pin.Raw, bool) {
	if m["__typename"] != "Pin" {
		valid := false
		for _, f := range pinFields {
			if _, ok := m[f]; ok {
				valid = true
				break
			}
		}
		if !valid {
			return nil, false
		}
		if t, ok := m["type"].(string); ok && t != "" && t != "pin" {
			return nil, false
		}
	}

	id := pin.Stringify(m["entityId"])
	if id == "" {
		id = pin.Stringify(m["id"])
	}
	if id == "" {
		return nil, false
	}
	raw := pin.Raw(m)
	raw["id"] = id
	if _, ok := raw["url"]; !ok {
		raw["url"] = PinURL + pin.CanonicalID(id) + "/"
	}
	return raw, true
}

// FindPin extracts pin id's record from a pin detail page. The embedded
// state is searched first; failing that, the image URLs found anywhere in
// the page are used.
func FindPin(html, id string) (pin.Raw, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	var found map[string]any
	doc.Find(StateScript).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		data, err := decodeJSON([]byte(s.Text()))
		if err != nil {
			return true
		}
		found = searchPin(data, id)
		return found == nil
	})
	if found != nil {
		raw := pin.Raw(found)
		raw["id"] = id
		return raw, nil
	}

	urls := make(map[string]string)
	for _, u := range imageURLRe.FindAllString(html, -1) {
		label := sizeLabel(u)
		if _, ok := urls[label]; !ok {
			urls[label] = u
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("pin %s: no data in page", id)
	}
	raw := pin.Raw{
		"id":                id,
		"image_urls":        urls,
		"largest_image_url": pin.LargestImageURL(urls),
	}
	if title := strings.TrimSpace(doc.Find(PinTitle).First().Text()); title != "" {
		raw["title"] = title
	}
	return raw, nil
}

// searchPin walks v depth-first for an object whose id is id.
func searchPin(v any, id string) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		if pin.Stringify(x["id"]) == id {
			if _, ok := x["images"]; ok {
				return x
			}
		}
		for _, child := range x {
			if m := searchPin(child, id); m != nil {
				return m
			}
		}
	case []any:
		for _, child := range x {
			if m := searchPin(child, id); m != nil {
				return m
			}
		}
	}
	return nil
}

func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func dig(v any, path ...string) any {
	for _, k := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

// dedupe keeps the first record per canonical pin id.
func dedupe(raws []pin.Raw) []pin.Raw {
	seen := make(map[string]bool, len(raws))
	out := raws[:0]
	for _, r := range raws {
		id := pin.CanonicalID(pin.Stringify(r["id"]))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	return out
}
