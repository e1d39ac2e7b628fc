package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/voice-sentinel/internal/sample"
)

type fakeStream struct {
	chunks   chan []byte
	mimeType string
	closes   atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{chunks: make(chan []byte), mimeType: "audio/webm"}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.chunks }
func (s *fakeStream) MIMEType() string { return s.mimeType }
func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeMic struct {
	mu      sync.Mutex
	deny    bool
	openErr error
	streams []*fakeStream

	// When waiting is set, Open closes it and blocks until release is closed,
	// or until ctx ends if honorCtx is set.
	waiting  chan struct{}
	release  chan struct{}
	honorCtx bool
}

func promptingMic(honorCtx bool) *fakeMic {
	return &fakeMic{waiting: make(chan struct{}), release: make(chan struct{}), honorCtx: honorCtx}
}

func (m *fakeMic) Open(ctx context.Context) (Stream, error) {
	if m.waiting != nil {
		close(m.waiting)
		if m.honorCtx {
			select {
			case <-m.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-m.release
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return nil, sample.CaptureError(sample.KindPermissionDenied, "user denied microphone access")
	}
	if m.openErr != nil {
		return nil, m.openErr
	}
	s := newFakeStream()
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMic) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[len(m.streams)-1]
}

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop() { t.stopped.Store(true) }

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[len(f.tickers)-1]
}
