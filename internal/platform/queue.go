package platform

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

const deleteBatchSize = 100

// Queue wraps a ChatPlatform with a global rate limit and per-target
// serialized delivery: operations on the same chat (and edits on the same
// message) run in order, while different targets proceed concurrently.
type Queue struct {
	platform ChatPlatform
	limiter  *rate.Limiter

	mu      sync.Mutex
	workers map[string]*queueWorker
	wg      sync.WaitGroup
}

type queueWorker struct {
	jobs    chan func()
	pending int
}

// NewQueue wraps platform with the given requests-per-second budget.
func NewQueue(p ChatPlatform, rps float64) *Queue {
	if rps <= 0 {
		rps = 25
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Queue{
		platform: p,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		workers:  map[string]*queueWorker{},
	}
}

// Name returns the underlying platform name; it selects the renderer.
func (q *Queue) Name() string { return q.platform.Name() }

// Platform exposes the wrapped adapter.
func (q *Queue) Platform() ChatPlatform { return q.platform }

// QueueSendMessage sends a message through the per-chat queue. With
// fireAndForget the send happens in the background and the returned id is
// empty.
func (q *Queue) QueueSendMessage(ctx context.Context, chatID, text string, opts SendOptions, fireAndForget bool) (string, error) {
	if fireAndForget {
		q.enqueue("send:"+chatID, func() {
			if _, err := q.send(ctx, chatID, text, opts); err != nil {
				slog.Warn("platform send failed", "chat_id", chatID, "error", err)
			}
		})
		return "", nil
	}

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	q.enqueue("send:"+chatID, func() {
		id, err := q.send(ctx, chatID, text, opts)
		done <- result{id, err}
	})
	r := <-done
	return r.id, r.err
}

// QueueEditMessage edits a message; edits of the same message serialize.
func (q *Queue) QueueEditMessage(ctx context.Context, chatID, messageID, text, parseMode string, fireAndForget bool) error {
	key := "edit:" + chatID + ":" + messageID
	if fireAndForget {
		q.enqueue(key, func() {
			if err := q.edit(ctx, chatID, messageID, text, parseMode); err != nil {
				slog.Debug("platform edit failed", "chat_id", chatID, "message_id", messageID, "error", err)
			}
		})
		return nil
	}

	done := make(chan error, 1)
	q.enqueue(key, func() {
		done <- q.edit(ctx, chatID, messageID, text, parseMode)
	})
	return <-done
}

// QueueDeleteMessage deletes one message.
func (q *Queue) QueueDeleteMessage(ctx context.Context, chatID, messageID string, fireAndForget bool) error {
	key := "edit:" + chatID + ":" + messageID
	job := func() error {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
		return q.platform.DeleteMessage(ctx, chatID, messageID)
	}
	if fireAndForget {
		q.enqueue(key, func() {
			if err := job(); err != nil {
				slog.Debug("platform delete failed", "chat_id", chatID, "message_id", messageID, "error", err)
			}
		})
		return nil
	}
	done := make(chan error, 1)
	q.enqueue(key, func() { done <- job() })
	return <-done
}

// QueueDeleteMessages deletes messages in batches of at most 100, in the
// order given.
func (q *Queue) QueueDeleteMessages(ctx context.Context, chatID string, messageIDs []string) error {
	var firstErr error
	for start := 0; start < len(messageIDs); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		batch := messageIDs[start:end]

		done := make(chan error, 1)
		q.enqueue("send:"+chatID, func() {
			if err := q.limiter.Wait(ctx); err != nil {
				done <- err
				return
			}
			done <- q.platform.DeleteMessages(ctx, chatID, batch)
		})
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FireAndForget runs fn in the background, recovering panics.
func (q *Queue) FireAndForget(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("fire-and-forget panicked", "panic", r)
			}
		}()
		fn()
	}()
}

// Drain waits for all queued work to finish. Used on shutdown and in tests.
func (q *Queue) Drain() {
	q.wg.Wait()
}

func (q *Queue) send(ctx context.Context, chatID, text string, opts SendOptions) (string, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return q.platform.SendMessage(ctx, chatID, text, opts)
}

func (q *Queue) edit(ctx context.Context, chatID, messageID, text, parseMode string) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	return q.platform.EditMessage(ctx, chatID, messageID, text, parseMode)
}

// enqueue appends a job to the target's FIFO worker, spawning one on demand.
// The worker exits when its queue drains.
func (q *Queue) enqueue(key string, job func()) {
	q.mu.Lock()
	w, ok := q.workers[key]
	if !ok {
		w = &queueWorker{jobs: make(chan func(), 32)}
		q.workers[key] = w
		q.wg.Add(1)
		go q.runWorker(key, w)
	}
	w.pending++
	q.mu.Unlock()

	w.jobs <- job
}

func (q *Queue) runWorker(key string, w *queueWorker) {
	defer q.wg.Done()
	for {
		job := <-w.jobs
		job()

		q.mu.Lock()
		w.pending--
		if w.pending == 0 {
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}
