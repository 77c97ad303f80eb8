package announceclient

import (
	"context"
	"sync"
)

// fakeClient is a scriptable Client test double: each URL maps to either a
// canned Result or a canned error, and every call is recorded for
// assertions about which trackers were tried and in what order.
type fakeClient struct {
	mu      sync.Mutex
	results map[string]*Result
	errs    map[string]error
	calls   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		results: make(map[string]*Result),
		errs:    make(map[string]error),
	}
}

func (c *fakeClient) succeedWith(url string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[url] = r
}

func (c *fakeClient) failWith(url string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[url] = err
}

func (c *fakeClient) Announce(_ context.Context, url string, _ Request) (*Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, url)
	err, failed := c.errs[url]
	result := c.results[url]
	c.mu.Unlock()

	if failed {
		return nil, err
	}
	if result == nil {
		return nil, errf("fakeClient: no result configured for %s", url)
	}
	return result, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// recordingEvents captures Announced/AnnounceFailed calls in order.
type recordingEvents struct {
	mu        sync.Mutex
	announced []string
	failed    []string
}

func (r *recordingEvents) Announced(url string, _ *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, url)
}

func (r *recordingEvents) AnnounceFailed(url string, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, url)
}
