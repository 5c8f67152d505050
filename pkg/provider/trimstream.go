package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"onereader/pkg/domain"
	"onereader/pkg/remote"
)

// TrimStreamState is the terminal (or running) state of a streaming trim.
type TrimStreamState int

const (
	TrimStreamRunning TrimStreamState = iota
	// TrimStreamDone means the stream completed and produced text.
	TrimStreamDone
	// TrimStreamEmpty means the stream completed cleanly with no text, the
	// server's way of saying this chapter has nothing to trim away.
	TrimStreamEmpty
	// TrimStreamError means the stream failed mid-flight.
	TrimStreamError
	// TrimStreamCancelled means Cancel was called before completion. The
	// accumulated text may still have been cache-written if the stream
	// finished while the cancel was in flight.
	TrimStreamCancelled
)

// TrimStream is a live streaming trim. Chunks arrive on Chunks until the
// channel closes; Wait blocks for the terminal state. Cancel stops chunk
// delivery immediately but lets the stream drain, so a generation that was
// already finishing still lands in the cache and is free on the next open.
type TrimStream struct {
	chunks   chan string
	cancelCh chan struct{}
	done     chan struct{}
	cancel   sync.Once

	mu        sync.Mutex
	state     TrimStreamState
	cancelled bool
	text      string
	err       error
}

// StreamTrim starts a streaming trim generation for one chapter. Chapters
// with a cloud identity are addressed by id; purely local chapters upload
// their text and hash so the server can trim content it has never seen.
func (p *Provider) StreamTrim(ctx context.Context, book domain.Book, ch domain.Chapter, promptID int) (*TrimStream, error) {
	req := remote.TrimStreamRequest{PromptID: promptID}
	if ch.CloudID > 0 {
		req.BookID = book.CloudID
		req.ChapterID = ch.CloudID
	} else {
		res := p.ChapterContent(ctx, book, ch)
		if !res.Cached {
			return nil, fmt.Errorf("chapter %s has no local content to stream", ch.ID)
		}
		req.Content = res.Text
		req.MD5 = ch.ContentHash
		req.BookMD5 = book.ContentHash
		req.BookTitle = book.Title
		req.ChapterTitle = ch.Title
		req.ChapterIndex = ch.Index
	}
	es, err := p.gateway.OpenTrimStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open trim stream: %w", err)
	}
	ts := &TrimStream{
		chunks:   make(chan string, 16),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		state:    TrimStreamRunning,
	}
	go p.consumeTrimStream(ts, es, ch.ContentHash, promptID)
	return ts, nil
}

// Chunks delivers trimmed text increments in order. Closed at the terminal
// state; closed early on cancellation.
func (s *TrimStream) Chunks() <-chan string { return s.chunks }

// Cancel stops chunk delivery. Idempotent and safe from any goroutine.
func (s *TrimStream) Cancel() {
	s.cancel.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.cancelCh)
	})
}

// Wait blocks until the stream reaches a terminal state and returns it along
// with the full accumulated text and any transport error.
func (s *TrimStream) Wait() (TrimStreamState, string, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.text, s.err
}

// State reports the current state without blocking.
func (s *TrimStream) State() TrimStreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TrimStream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (p *Provider) consumeTrimStream(s *TrimStream, es remote.EventStream, hash string, promptID int) {
	defer es.Close()
	var b strings.Builder
	var failure error
	for {
		ev, err := es.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !s.isCancelled() {
				failure = err
			}
			break
		}
		if ev.Error != "" {
			failure = &remote.APIError{Message: ev.Error}
			break
		}
		if ev.Content == "" {
			continue
		}
		b.WriteString(ev.Content)
		if s.isCancelled() {
			// stop delivering but keep draining so a finished result
			// can still be cached below
			continue
		}
		select {
		case s.chunks <- ev.Content:
		case <-s.cancelCh:
		}
	}
	text := b.String()
	if failure == nil && text != "" {
		p.storeTrim(context.Background(), hash, promptID, text)
	}
	s.mu.Lock()
	s.text = text
	switch {
	case s.cancelled:
		s.state = TrimStreamCancelled
	case failure != nil:
		s.state = TrimStreamError
		s.err = failure
	case text == "":
		s.state = TrimStreamEmpty
	default:
		s.state = TrimStreamDone
	}
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
}
