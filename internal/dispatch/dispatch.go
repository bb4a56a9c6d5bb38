// Package dispatch delivers a reply the way a person would: it splits the reply,
// waits while "reading", shows the composing indicator while "typing" and pauses
// between chunks.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/humanize"
	"github.com/BTreeMap/PacePipe/internal/models"
)

// Transport is the part of a messaging service the dispatcher needs.
type Transport interface {
	SendText(ctx context.Context, to, text string) error
	// SetComposing shows (on=true) or clears the typing indicator.
	SetComposing(ctx context.Context, to string, on bool) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper is the real-time Sleeper.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lockedRand makes a *rand.Rand safe for concurrent lanes.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Dispatcher paces replies over a Transport.
type Dispatcher struct {
	transport Transport
	sleeper   Sleeper
	rng       humanize.Rand
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleeper replaces the real-time sleeper.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) { d.sleeper = s }
}

// WithRand sets the jitter source.
func WithRand(r humanize.Rand) Option {
	return func(d *Dispatcher) { d.rng = r }
}

// New creates a Dispatcher sending through t.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		sleeper:   TimerSleeper{},
		rng:       &lockedRand{r: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch plans reply against the incoming message and sends every chunk in order.
// It returns the chunks that were sent; on error the slice holds those delivered
// before the failure.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID, reply, incoming string, cfg humanize.Config) ([]models.OutboundChunk, error) {
	chunks := humanize.Plan(reply, incoming, cfg, d.rng)
	if len(chunks) == 0 {
		return nil, nil
	}
	slog.Debug("dispatch.Dispatch planned", "conversationID", conversationID, "chunks", len(chunks), "length", len(reply))

	sent := make([]models.OutboundChunk, 0, len(chunks))
	for _, c := range chunks {
		if err := d.deliver(ctx, conversationID, c, cfg.ShowTyping); err != nil {
			return sent, fmt.Errorf("failed to deliver chunk %d of %d: %w", c.Index+1, len(chunks), err)
		}
		sent = append(sent, c)
		if c.Pause > 0 {
			if err := d.sleeper.Sleep(ctx, c.Pause); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, to string, c models.OutboundChunk, showTyping bool) error {
	if err := d.sleeper.Sleep(ctx, c.ReadDelay); err != nil {
		return err
	}
	if showTyping && c.TypeDelay > 0 {
		// The indicator is cosmetic; failures only get logged.
		if err := d.transport.SetComposing(ctx, to, true); err != nil {
			slog.Debug("dispatch.Dispatch composing failed", "conversationID", to, "error", err)
		}
	}
	if err := d.sleeper.Sleep(ctx, c.TypeDelay); err != nil {
		d.clearComposing(to, showTyping)
		return err
	}
	if err := d.transport.SendText(ctx, to, c.Text); err != nil {
		d.clearComposing(to, showTyping)
		return err
	}
	return nil
}

// clearComposing runs on a fresh context because the caller's may already be cancelled.
func (d *Dispatcher) clearComposing(to string, showTyping bool) {
	if !showTyping {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.transport.SetComposing(ctx, to, false); err != nil {
		slog.Debug("dispatch.Dispatch clearing composing failed", "conversationID", to, "error", err)
	}
}
