package main

import "sync"

// counter tracks deliveries per webhook id.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter {
	return &counter{n: make(map[string]int)}
}

func (c *counter) inc(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[id]++
	return c.n[id]
}
