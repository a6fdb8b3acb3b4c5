package vlog

import (
	"container/ring"
	"fmt"
	"sync"
	"time"
)

// Ring is a fixed-size, concurrency-safe buffer of recent log lines.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

// Println mimics log.Logger.Output and prepends the time.
func (l *Ring) Println(v ...interface{}) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	line := now.Format("2006/01/02 15:04:05") + " " + fmt.Sprint(v...)

	l.r = l.r.Next()
	l.r.Value = line
}

// Dump returns the buffered lines from oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)

	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		res = append(res, v.(string))
	})

	return res
}
