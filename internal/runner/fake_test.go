package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"syncstress/internal/transport"
)

// fakeStore is an in-memory syncstore with switchable misbehaviour.
type fakeStore struct {
	mu       sync.Mutex
	versions map[string][][]byte

	lag      bool // serve the previous value when there is one
	garbage  bool
	writeErr transport.ErrorKind
	readErr  transport.ErrorKind
	delay    time.Duration

	writes      atomic.Uint64
	reads       atomic.Uint64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{versions: make(map[string][][]byte)}
}

func (f *fakeStore) enter() func() {
	n := f.inflight.Add(1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inflight.Add(-1) }
}

func (f *fakeStore) Write(_ context.Context, key string, value []byte, _ time.Duration) transport.Result {
	res := transport.Result{Start: time.Now()}
	defer f.enter()()
	f.writes.Add(1)

	if f.writeErr != transport.ErrNone {
		res.End = time.Now()
		res.ErrKind = f.writeErr
		return res
	}

	f.mu.Lock()
	f.versions[key] = append(f.versions[key], append([]byte(nil), value...))
	f.mu.Unlock()

	res.End = time.Now()
	res.Latency = res.End.Sub(res.Start)
	res.Success = true
	res.Status = 204
	return res
}

func (f *fakeStore) Read(_ context.Context, key string, _ time.Duration) (res transport.Result) {
	res.Start = time.Now()
	defer f.enter()()
	f.reads.Add(1)

	defer func() {
		res.End = time.Now()
		res.Latency = res.End.Sub(res.Start)
	}()

	if f.readErr != transport.ErrNone {
		res.ErrKind = f.readErr
		return res
	}

	f.mu.Lock()
	vs := f.versions[key]
	f.mu.Unlock()

	res.Success = true
	switch {
	case f.garbage:
		res.Found = true
		res.Payload = []byte("garbage")
	case len(vs) == 0:
		res.Status = 404
	case f.lag && len(vs) > 1:
		res.Found = true
		res.Payload = vs[len(vs)-2]
	default:
		res.Found = true
		res.Payload = vs[len(vs)-1]
	}
	return res
}
