package notify

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"quant-alerts/internal/metrics"
)

// Item is one notification awaiting delivery. Oversized items are split
// into ordered chunks before queueing; chunks of one item are never
// interleaved with chunks of another.
type Item struct {
	Text      string
	Highlight bool
}

// DispatcherOptions tune the outbound channel.
type DispatcherOptions struct {
	MessagesPerMinute int
	MessageLimit      int
	SendTimeout       time.Duration
}

// Dispatcher owns a single FIFO queue drained by at most one background
// goroutine, pacing transmissions at the downstream rate ceiling.
type Dispatcher struct {
	sender   Sender
	opts     DispatcherOptions
	logger   zerolog.Logger
	interval time.Duration

	mu       sync.Mutex
	queue    []Item
	draining bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher constructs a dispatcher around a sender.
func NewDispatcher(sender Sender, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.MessagesPerMinute <= 0 {
		opts.MessagesPerMinute = 20
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 4000
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:   sender,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		interval: time.Minute / time.Duration(opts.MessagesPerMinute),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send transmits an item synchronously; the caller absorbs back-pressure.
// Oversized text is split and the chunks sent in order.
func (d *Dispatcher) Send(ctx context.Context, item Item) error {
	for _, chunk := range splitMessage(item.Text, d.opts.MessageLimit) {
		if err := d.sender.Send(ctx, chunk, item.Highlight); err != nil {
			metrics.NotificationsFailed.Inc()
			return err
		}
		metrics.NotificationsSent.Inc()
	}
	return nil
}

// Enqueue appends an item and returns immediately. The first enqueue while
// no drain loop runs starts exactly one; later enqueues only append.
func (d *Dispatcher) Enqueue(item Item) {
	chunks := splitMessage(item.Text, d.opts.MessageLimit)

	d.mu.Lock()
	for _, chunk := range chunks {
		d.queue = append(d.queue, Item{Text: chunk, Highlight: item.Highlight})
	}
	metrics.QueueDepth.Set(float64(len(d.queue)))
	startDrain := !d.draining
	if startDrain {
		d.draining = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if startDrain {
		go d.drain()
	}
}

// Close stops the drain loop and waits for it to exit. Items left in the
// queue are dropped.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// QueueLen reports the number of queued chunks.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.ctx.Err() != nil {
			d.draining = false
			metrics.QueueDepth.Set(float64(len(d.queue)))
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		metrics.QueueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
		err := d.sender.Send(sendCtx, item.Text, item.Highlight)
		cancel()
		if err != nil {
			// best effort: log, skip the item, keep draining
			metrics.NotificationsFailed.Inc()
			d.logger.Error().Err(err).Msg("failed to deliver notification")
		} else {
			metrics.NotificationsSent.Inc()
		}

		select {
		case <-d.ctx.Done():
		case <-time.After(d.interval):
		}
	}
}

// splitMessage cuts text into chunks no longer than limit bytes, preferring
// newline boundaries so rendered lists stay readable. Only the single
// boundary newline is dropped; hard cuts land on rune boundaries so a
// multi-byte character is never torn.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		skip := 1
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			skip = 0
		}
		chunks = append(chunks, text[:cut])
		text = text[cut+skip:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
