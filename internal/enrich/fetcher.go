package enrich

import (
	"context"
	"log"
	"sync"

	"github.com/ignite/visitor-insights/internal/contact"
)

// FetchAllPages retrieves every page of an endpoint. Page 1 is fetched
// first to discover the total page count; remaining pages are fetched in
// parallel batches, each batch awaited before the next starts to bound
// concurrent upstream load. A failed page contributes an empty page and a
// skip entry, never an abort.
func (c *Client) FetchAllPages(ctx context.Context, endpoint string) (*FetchResult, error) {
	result := &FetchResult{RawPages: make(map[int][]byte)}

	first, body, err := c.fetchPage(ctx, endpoint, 1)
	if err != nil {
		// Without page 1 there is no page count and no useful work.
		return nil, err
	}
	result.Records = append(result.Records, first.Records...)
	result.Pages = append(result.Pages, Page{Number: 1, Records: first.Records})
	result.RawPages[1] = body
	result.TotalPages = first.TotalPages
	if result.TotalPages < 1 {
		result.TotalPages = 1
	}

	if result.TotalPages > 1 {
		pages, skips := c.fetchPages(ctx, endpoint, 2, result.TotalPages, c.fullBatch, result.RawPages)
		for _, p := range pages {
			result.Records = append(result.Records, p.Records...)
		}
		result.Pages = append(result.Pages, pages...)
		result.Skipped = append(result.Skipped, skips...)
	}

	log.Printf("enrich: fetched %d records across %d pages (%d skipped) from %s",
		len(result.Records), result.TotalPages, len(result.Skipped), endpoint)
	return result, nil
}

// FetchPage retrieves a single page. Used by the import init phase,
// which needs page 1 and the discovered page count before any further
// work is scheduled.
func (c *Client) FetchPage(ctx context.Context, endpoint string, page int) (*FetchResult, error) {
	envelope, body, err := c.fetchPage(ctx, endpoint, page)
	if err != nil {
		return nil, err
	}
	result := &FetchResult{
		Records:    envelope.Records,
		Pages:      []Page{{Number: page, Records: envelope.Records}},
		TotalPages: envelope.TotalPages,
		RawPages:   map[int][]byte{page: body},
	}
	if result.TotalPages < 1 {
		result.TotalPages = 1
	}
	return result, nil
}

// FetchPageRange retrieves an inclusive page range for the chunked
// importer. The caller already knows the total page count from the init
// phase; per-page failures degrade to skips exactly as in FetchAllPages.
func (c *Client) FetchPageRange(ctx context.Context, endpoint string, start, end int) (*FetchResult, error) {
	if start < 1 {
		start = 1
	}
	result := &FetchResult{RawPages: make(map[int][]byte)}
	if end < start {
		return result, nil
	}

	pages, skips := c.fetchPages(ctx, endpoint, start, end, c.chunkBatch, result.RawPages)
	for _, p := range pages {
		result.Records = append(result.Records, p.Records...)
	}
	result.Pages = pages
	result.Skipped = skips

	log.Printf("enrich: fetched %d records for pages %d-%d (%d skipped) from %s",
		len(result.Records), start, end, len(skips), endpoint)
	return result, nil
}

// fetchPages fetches [start, end] in parallel batches of batchSize.
// Results are reassembled in page order before concatenation: arrival
// order within a batch is irrelevant, page order is not.
func (c *Client) fetchPages(ctx context.Context, endpoint string, start, end, batchSize int, rawPages map[int][]byte) ([]Page, []PageSkip) {
	type pageResult struct {
		records []contact.Raw
		body    []byte
		err     error
	}
	results := make(map[int]*pageResult, end-start+1)
	var mu sync.Mutex

	for batchStart := start; batchStart <= end; batchStart += batchSize {
		batchEnd := batchStart + batchSize - 1
		if batchEnd > end {
			batchEnd = end
		}

		var wg sync.WaitGroup
		for page := batchStart; page <= batchEnd; page++ {
			wg.Add(1)
			go func(page int) {
				defer wg.Done()
				envelope, body, err := c.fetchPage(ctx, endpoint, page)
				pr := &pageResult{err: err}
				if err == nil {
					pr.records = envelope.Records
					pr.body = body
				}
				mu.Lock()
				results[page] = pr
				mu.Unlock()
			}(page)
		}
		wg.Wait()
	}

	var pages []Page
	var skips []PageSkip
	for page := start; page <= end; page++ {
		pr := results[page]
		if pr == nil {
			continue
		}
		if pr.err != nil {
			log.Printf("enrich: page %d failed, continuing with empty page: %v", page, pr.err)
			skips = append(skips, PageSkip{Page: page, Reason: pr.err.Error()})
			continue
		}
		pages = append(pages, Page{Number: page, Records: pr.records})
		if rawPages != nil {
			rawPages[page] = pr.body
		}
	}
	return pages, skips
}
