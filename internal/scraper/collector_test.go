package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/pinscrape/internal/interrupt"
	"github.com/ibeckermayer/pinscrape/internal/pin"
)

// fakePage serves one HTML document per scroll position.
type fakePage struct {
	mu        sync.Mutex
	pages     []string
	responses [][][]byte
	pos       int
	visited   []string
	onScroll  func(pos int)
	closed    bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	return nil
}

func (p *fakePage) ScrollBy(ctx context.Context, pixels int) error {
	p.mu.Lock()
	p.pos++
	pos := p.pos
	p.mu.Unlock()
	if p.onScroll != nil {
		p.onScroll(pos)
	}
	return nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages[min(p.pos, len(p.pages)-1)], nil
}

func (p *fakePage) Responses() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos < len(p.responses) {
		out := p.responses[p.pos]
		p.responses[p.pos] = nil
		return out
	}
	return nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

// grid renders a results page holding the given pin ids.
func grid(ids ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div role="list">`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<div data-test-id="pin"><a href="/pin/%d/"><img src="https://i.pinimg.com/236x/%d.jpg"></a></div>`, id, id)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

type recordingSink struct {
	batches [][]string
}

func (s *recordingSink) sink(ctx context.Context, batch []pin.Raw) error {
	s.batches = append(s.batches, ids(batch))
	return nil
}

func (s *recordingSink) all() []string {
	var out []string
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestCollect_ReachesTarget(t *testing.T) {
	page := &fakePage{pages: []string{grid(1, 2, 3), grid(2, 3, 4, 5), grid(4, 5, 6, 7)}}
	c := &Collector{Page: page, MaxIdleScrolls: 3, BatchSize: 2}
	var rec recordingSink

	st, err := c.Collect(context.Background(), "cute cats", 6, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, StopTarget, st.StopReason)
	assert.Equal(t, 6, st.Collected)
	assert.Equal(t, 3, st.Rounds)
	assert.Equal(t, 4, st.Duplicates)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, rec.all())
	assert.Equal(t, []string{SearchURL + "cute+cats"}, page.visited)
}

func TestCollect_StopsWhenIdle(t *testing.T) {
	page := &fakePage{pages: []string{grid(1, 2), grid(1, 2)}}
	c := &Collector{Page: page, MaxIdleScrolls: 2, BatchSize: 10, Known: map[string]bool{"2": true}}
	var rec recordingSink

	st, err := c.Collect(context.Background(), "cats", 100, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, st.StopReason)
	assert.Equal(t, []string{"1"}, rec.all(), "known ids are skipped")
	assert.Equal(t, 3, st.Rounds)
}

func TestCollect_UsesCapturedResponses(t *testing.T) {
	resp := []byte(`{"resource_response":{"data":{"results":[{"type":"pin","id":"90","images":{"orig":{"url":"https://i.pinimg.com/originals/90.jpg"}}}]}}}`)
	page := &fakePage{pages: []string{grid(1)}, responses: [][][]byte{{resp}}}
	c := &Collector{Page: page, MaxIdleScrolls: 1}
	var rec recordingSink

	st, err := c.Collect(context.Background(), "cats", 2, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Responses)
	assert.ElementsMatch(t, []string{"1", "90"}, rec.all())
}

func TestCollect_InterruptFlushesPending(t *testing.T) {
	im := interrupt.New()
	page := &fakePage{pages: []string{grid(1, 2), grid(3, 4), grid(5, 6)}}
	page.onScroll = func(pos int) {
		if pos == 2 {
			im.Set("test")
		}
	}
	c := &Collector{Page: page, Interrupt: im, MaxIdleScrolls: 5, BatchSize: 100}
	var rec recordingSink

	st, err := c.Collect(context.Background(), "cats", 100, rec.sink)
	require.Error(t, err)
	assert.True(t, interrupt.Is(err))
	assert.Equal(t, 2, st.Rounds)
	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.all())
}

func TestCollect_SinkError(t *testing.T) {
	page := &fakePage{pages: []string{grid(1, 2, 3)}}
	c := &Collector{Page: page, BatchSize: 1}
	boom := errors.New("disk full")

	_, err := c.Collect(context.Background(), "cats", 10, func(context.Context, []pin.Raw) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPageFetcher(t *testing.T) {
	page := &fakePage{pages: []string{fixture(t, "detail.html")}}
	f := NewPageFetcher(page)

	raw, err := f.FetchPin(context.Background(), pin.EncodeID("5001"))
	require.NoError(t, err)
	assert.Equal(t, "5001", raw["id"])
	assert.Equal(t, []string{PinURL + "5001/"}, page.visited)

	require.NoError(t, f.Close())
	assert.True(t, page.closed)
}
