package diskio

import (
	"container/list"
	"os"
	"sync"
)

// fdMode distinguishes the two handle kinds a path may be cached under:
// BitTorrent interleaves random-offset reads (serving Request messages) and
// writes (completed pieces) against the same files, and os.File handles
// opened O_RDONLY can't satisfy a WriteAt.
type fdMode int

const (
	modeRead fdMode = iota
	modeWrite
)

type fdKey struct {
	path string
	mode fdMode
}

// fdCache is a bounded LRU of open *os.File handles keyed by (path, mode).
// DiskIO is the sole owner of file descriptors per spec §5 ("open file
// descriptors are owned by DiskIO alone"); this cache keeps a long-running
// download from exhausting the process's descriptor table when a torrent
// spans thousands of files.
type fdCache struct {
	mu       sync.Mutex
	max      int
	ll       *list.List // front = most recently used
	elements map[fdKey]*list.Element
}

type fdEntry struct {
	key  fdKey
	file *os.File
}

func newFDCache(max int) *fdCache {
	if max <= 0 {
		max = 64
	}
	return &fdCache{
		max:      max,
		ll:       list.New(),
		elements: make(map[fdKey]*list.Element),
	}
}

// open returns a cached handle for key, opening a fresh one via open if
// there is no hit. Evicts the least-recently-used handle if the cache is at
// capacity.
func (c *fdCache) open(key fdKey, open func() (*os.File, error)) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*fdEntry).file, nil
	}

	f, err := open()
	if err != nil {
		return nil, err
	}

	el := c.ll.PushFront(&fdEntry{key: key, file: f})
	c.elements[key] = el

	if c.ll.Len() > c.max {
		c.evictOldest()
	}
	return f, nil
}

// evictOldest must be called with mu held.
func (c *fdCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	entry := el.Value.(*fdEntry)
	delete(c.elements, entry.key)
	entry.file.Close()
}

// invalidate closes and drops any cached handles for path, in both modes.
// Nothing in DiskIO calls it; DeleteAll drops every handle via closeAll.
func (c *fdCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mode := range []fdMode{modeRead, modeWrite} {
		key := fdKey{path: path, mode: mode}
		if el, ok := c.elements[key]; ok {
			c.ll.Remove(el)
			delete(c.elements, key)
			el.Value.(*fdEntry).file.Close()
		}
	}
}

// closeAll closes every cached handle, used on DeleteAll.
func (c *fdCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		el.Value.(*fdEntry).file.Close()
	}
	c.ll.Init()
	c.elements = make(map[fdKey]*list.Element)
}
