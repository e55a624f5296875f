package bot

import (
	"context"
	"sync"
	"time"

	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// Update is one inbound chat event, already stripped of transport details
type Update struct {
	TelegramID   int64
	ChatID       int64
	Name         string
	Text         string
	CallbackID   string
	CallbackData string
}

// Kind labels the update for metrics
func (u Update) Kind() string {
	switch {
	case u.CallbackData != "":
		return "callback"
	case len(u.Text) > 0 && u.Text[0] == '/':
		return "command"
	}
	return "text"
}

// HandleFunc processes a single update
type HandleFunc func(ctx context.Context, u Update)

type actor struct {
	inbox   chan Update
	pending int
}

// Dispatcher runs one actor per active user. Updates of a user are handled
// one at a time in arrival order; different users run in parallel. An actor
// exits after idle time without updates.
type Dispatcher struct {
	handle HandleFunc
	buffer int
	idle   time.Duration

	mu     sync.Mutex
	actors map[int64]*actor
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(handle HandleFunc, buffer int, idle time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	if idle <= 0 {
		idle = time.Minute
	}
	return &Dispatcher{
		handle: handle,
		buffer: buffer,
		idle:   idle,
		actors: make(map[int64]*actor),
		logger: util.GetLogger(),
	}
}

// Dispatch queues u on its user's actor, starting one if needed. It blocks
// while the user's inbox is full and gives up when ctx is done. ctx also
// bounds the lifetime of an actor it starts.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) {
	util.BotUpdatesTotal.WithLabelValues(u.Kind()).Inc()

	d.mu.Lock()
	a, ok := d.actors[u.TelegramID]
	if !ok {
		a = &actor{inbox: make(chan Update, d.buffer)}
		d.actors[u.TelegramID] = a
		d.wg.Add(1)
		go d.run(ctx, u.TelegramID, a)
		util.BotActiveUsers.Set(float64(len(d.actors)))
	}
	a.pending++
	d.mu.Unlock()

	select {
	case a.inbox <- u:
	case <-ctx.Done():
		d.mu.Lock()
		a.pending--
		d.mu.Unlock()
	}
}

func (d *Dispatcher) run(ctx context.Context, key int64, a *actor) {
	defer d.wg.Done()

	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case u := <-a.inbox:
			d.process(ctx, u)
			d.mu.Lock()
			a.pending--
			d.mu.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)

		case <-timer.C:
			d.mu.Lock()
			if a.pending == 0 {
				delete(d.actors, key)
				util.BotActiveUsers.Set(float64(len(d.actors)))
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			timer.Reset(d.idle)

		case <-ctx.Done():
			d.mu.Lock()
			delete(d.actors, key)
			util.BotActiveUsers.Set(float64(len(d.actors)))
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, u Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Update handler panicked",
				zap.Int64("telegram_id", u.TelegramID),
				zap.Any("panic", r))
		}
	}()
	d.handle(ctx, u)
}

// Active returns the number of running actors
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actors)
}

// Wait blocks until every actor has exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
