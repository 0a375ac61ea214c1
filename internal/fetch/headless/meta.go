package headless

import (
	"sync"

	"github.com/chromedp/cdproto/network"
)

// responseMeta captures the main document's response status from CDP events.
// The DOM snapshot alone carries no status code, so we listen for the
// document response as it arrives.
type responseMeta struct {
	mu        sync.RWMutex
	statusByU map[string]int
	firstURL  string
	first     int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{statusByU: make(map[string]int)}
}

func (m *responseMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusByU[event.Response.URL] = int(event.Response.Status)
	if m.firstURL == "" {
		m.firstURL = event.Response.URL
		m.first = int(event.Response.Status)
	}
}

// status returns the captured status for the requested URL, falling back to
// the first document response seen (redirects land on a different URL).
// Zero means no document response was observed.
func (m *responseMeta) status(requestedURL string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statusByU[requestedURL]; ok {
		return s
	}
	return m.first
}
