package crawl

import "sync"

// entry is one pending visit in a crawl's BFS queue.
type entry struct {
	url   string
	depth int
}

// frontier holds the mutable traversal state of a single crawl: a FIFO of
// pending (url, depth) pairs and the set of normalized URLs already enqueued.
// Marking visited happens at enqueue time so concurrent link discovery within
// a batch cannot double-enqueue the same URL.
type frontier struct {
	mu      sync.Mutex
	queue   []entry
	visited map[string]struct{}
}

func newFrontier(seedURL string) *frontier {
	f := &frontier{visited: make(map[string]struct{})}
	f.queue = append(f.queue, entry{url: seedURL, depth: 0})
	f.visited[seedURL] = struct{}{}
	return f
}

// enqueue adds url at the given depth unless it was already seen. Returns
// true when the url was newly added.
func (f *frontier) enqueue(url string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited == nil {
		return false
	}
	if _, seen := f.visited[url]; seen {
		return false
	}
	f.visited[url] = struct{}{}
	f.queue = append(f.queue, entry{url: url, depth: depth})
	return true
}

// dequeueBatch removes and returns up to n entries in FIFO order.
func (f *frontier) dequeueBatch(n int) []entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || len(f.queue) == 0 {
		return nil
	}
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := make([]entry, n)
	copy(batch, f.queue[:n])
	f.queue = append(f.queue[:0], f.queue[n:]...)
	return batch
}

func (f *frontier) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// drop releases the queue and visited-set. The crawl record outlives the
// frontier; this only frees traversal state.
func (f *frontier) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.visited = nil
}
