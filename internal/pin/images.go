package pin

import (
	"sort"
	"strconv"
	"strings"
)

// LargestImageURL picks the best URL from a size->URL map: "original"
// first, then the largest numeric size, then the first entry in key order.
func LargestImageURL(urls map[string]string) string {
	if len(urls) == 0 {
		return ""
	}
	for _, k := range []string{"original", "orig"} {
		if u := urls[k]; u != "" {
			return u
		}
	}

	best, bestSize := "", -1
	for k, u := range urls {
		if u == "" {
			continue
		}
		size, ok := sizeOf(k)
		if !ok {
			continue
		}
		if size > bestSize || (size == bestSize && u < best) {
			best, bestSize = u, size
		}
	}
	if best != "" {
		return best
	}

	keys := make([]string, 0, len(urls))
	for k := range urls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if urls[k] != "" {
			return urls[k]
		}
	}
	return ""
}

// sizeOf parses "736" or "736x" style size labels.
func sizeOf(label string) (int, bool) {
	label = strings.TrimSuffix(strings.ToLower(label), "x")
	n, err := strconv.Atoi(label)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ExtractImageURLs digs image URLs out of a record that carries no
// image_urls of its own. It looks at raw_data.images, then images, then the
// single image field. Size labels are normalized: "orig" becomes
// "original" and "736x" becomes "736".
func ExtractImageURLs(r Raw) map[string]string {
	sources := make([]map[string]any, 0, 2)
	if nested, ok := asMap(r["raw_data"]); ok {
		sources = append(sources, nested)
	}
	sources = append(sources, map[string]any(r))

	for _, src := range sources {
		if urls := fromImages(src["images"]); len(urls) > 0 {
			return urls
		}
	}
	for _, src := range sources {
		if urls := fromImage(src["image"]); len(urls) > 0 {
			return urls
		}
	}
	return nil
}

func fromImages(v any) map[string]string {
	images, ok := asMap(v)
	if !ok {
		return nil
	}

	if orig, ok := asMap(images["orig"]); ok {
		if u := Stringify(orig["url"]); u != "" {
			return map[string]string{"original": u}
		}
	}

	out := make(map[string]string)
	for label, entry := range images {
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		u := Stringify(m["url"])
		if u == "" {
			continue
		}
		out[sizeLabel(label)] = u
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func fromImage(v any) map[string]string {
	switch x := v.(type) {
	case string:
		if strings.HasPrefix(x, "http") {
			return map[string]string{"default": x}
		}
		return nil
	}

	m, ok := asMap(v)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for label, u := range m {
		if s, ok := u.(string); ok && strings.HasPrefix(s, "http") {
			out[sizeLabel(label)] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sizeLabel(label string) string {
	if label == "orig" {
		return "original"
	}
	if i := strings.IndexByte(label, 'x'); i > 0 {
		if _, err := strconv.Atoi(label[:i]); err == nil {
			return label[:i]
		}
	}
	return label
}
