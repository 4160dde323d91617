// Package lifecycle runs one request/response turn at a time against a
// transport and reconciles its outcome into the message store.
//
// A Controller moves through Idle → Pending → Streaming and ends every turn
// in Complete, Failed or Cancelled before returning to Idle. All store
// mutations of a session happen under the controller's lock.
package lifecycle

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/stream"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionBusy   = errors.New("session busy")
	ErrNoActiveTurn  = errors.New("no active turn")
	ErrClosed        = errors.New("controller closed")
	ErrTimeout       = errors.New("turn timed out")
	ErrRetriesFailed = errors.New("transport failed")
)

// Config bounds a turn. Zero timeouts disable the corresponding watchdog.
type Config struct {
	// FirstChunkTimeout spans from Submit to the first accepted chunk,
	// including every retry.
	FirstChunkTimeout time.Duration `yaml:"first_chunk_timeout"`
	// ChunkTimeout bounds the gap between two accepted chunks.
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

func DefaultConfig() Config {
	return Config{
		FirstChunkTimeout: 30 * time.Second,
		ChunkTimeout:      15 * time.Second,
		MaxRetries:        2,
		BackoffInitial:    250 * time.Millisecond,
		BackoffMax:        4 * time.Second,
	}
}

// HistoryFunc selects the prior messages sent along with a prompt.
type HistoryFunc func(prior []messages.Message) []messages.Message

type Option func(*Controller)

func WithHistory(fn HistoryFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.history = fn
		}
	}
}

// WithStateListener registers fn for every state transition. fn runs under
// the controller lock and must not call back into the controller.
func WithStateListener(fn func(Transition)) Option {
	return func(c *Controller) { c.listener = fn }
}

// WithAfterUnlock registers fn to run on the releasing goroutine every time
// the controller lock is released. fn may call back into the controller.
func WithAfterUnlock(fn func()) Option {
	return func(c *Controller) { c.afterUnlock = fn }
}

type Controller struct {
	store     *messages.Store
	transport transport.Transport
	cfg       Config
	history   HistoryFunc
	listener  func(Transition)

	afterUnlock func()

	mu       sync.Mutex
	state    State
	active   *Turn
	timer    *time.Timer
	timerGen uint64

	// lock-free mirrors of state and active
	current  atomic.Pointer[Turn]
	stateVal atomic.Value
	closed   atomic.Bool

	wg sync.WaitGroup
}

func NewController(store *messages.Store, tr transport.Transport, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		transport: tr,
		cfg:       cfg,
		history:   func(prior []messages.Message) []messages.Message { return prior },
		state:     StateIdle,
	}
	c.stateVal.Store(StateIdle)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() State {
	return c.stateVal.Load().(State)
}

// Active returns the in-flight turn, if any.
func (c *Controller) Active() (*Turn, bool) {
	t := c.current.Load()
	return t, t != nil
}

func (c *Controller) unlock() {
	c.mu.Unlock()
	if c.afterUnlock != nil {
		c.afterUnlock()
	}
}

// Submit starts a turn for text. It fails with ErrSessionBusy while another
// turn is active, leaving the store untouched. The turn outlives ctx; only
// its values are carried over.
func (c *Controller) Submit(ctx context.Context, text string) (*Turn, error) {
	if c == nil || c.store == nil || c.transport == nil {
		return nil, errors.New("lifecycle controller is not initialized")
	}
	c.mu.Lock()
	defer c.unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.state != StateIdle {
		return nil, ErrSessionBusy
	}

	prior := completed(c.store.Messages())

	turnID := uuid.Must(uuid.NewV7()).String()
	userID, err := c.store.Append(messages.Message{
		Role:    messages.RoleUser,
		Content: text,
		Status:  messages.StatusComplete,
		TurnID:  turnID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "append user message")
	}
	assistantID, err := c.store.Append(messages.Message{
		Role:   messages.RoleAssistant,
		Status: messages.StatusPending,
		TurnID: turnID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "append assistant message")
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Turn{
		ID:                 turnID,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
		Prompt:             text,
		StartedAt:          time.Now(),
		ctx:                turnCtx,
		cancel:             cancel,
		done:               make(chan struct{}),
	}
	c.setActiveLocked(t)
	c.setStateLocked(t, StatePending)
	c.armTimerLocked(t, c.cfg.FirstChunkTimeout)

	req := transport.Request{
		TurnID:  turnID,
		History: c.history(prior),
		Prompt:  text,
	}

	log.Debug().Str("component", "lifecycle").Str("turn_id", turnID).Int("history", len(req.History)).Msg("turn submitted")

	c.wg.Add(1)
	go c.run(t, req)
	return t, nil
}

// Cancel ends the active turn, keeping whatever content was accepted. With
// no active turn it returns a no-op result carrying ErrNoActiveTurn.
func (c *Controller) Cancel() CancelResult {
	if c == nil {
		return CancelResult{Err: ErrNoActiveTurn}
	}
	c.mu.Lock()
	defer c.unlock()
	t := c.active
	if t == nil || t.closed {
		return CancelResult{Err: ErrNoActiveTurn}
	}
	c.abortLocked(t, messages.ReasonCancelled, nil)
	log.Info().Str("component", "lifecycle").Str("turn_id", t.ID).Msg("turn cancelled")
	return CancelResult{TurnID: t.ID, Cancelled: true}
}

// Close cancels the active turn and waits for its worker to exit. Further
// submissions fail with ErrClosed.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed.Store(true)
	if t := c.active; t != nil && !t.closed {
		c.abortLocked(t, messages.ReasonCancelled, nil)
	}
	c.unlock()
	c.wg.Wait()
}

func (c *Controller) run(t *Turn, req transport.Request) {
	defer c.wg.Done()
	defer close(t.done)

	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		err := c.attempt(t, req)
		if err == nil {
			return
		}
		if t.ctx.Err() != nil || errors.Is(err, stream.ErrGateClosed) {
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.fail(t, messages.ReasonTransport, errors.Wrapf(ErrRetriesFailed, "after %d attempts: %v", attempt, err), attempt)
			return
		}
		log.Warn().Err(err).Str("component", "lifecycle").Str("turn_id", t.ID).Int("attempt", attempt).Dur("backoff", wait).Msg("transport failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// attempt runs one transport attempt. It returns nil when the turn ended,
// or the error that may be retried.
func (c *Controller) attempt(t *Turn, req transport.Request) error {
	s, err := c.transport.Open(t.ctx, req)
	if err != nil {
		return errors.Wrap(err, "open stream")
	}
	defer func() { _ = s.Close() }()

	dec := stream.NewDecoder(c.store, t.AssistantMessageID, c.gate(t),
		stream.WithOnChunk(func(n int) { c.onChunkLocked(t, n) }),
		stream.WithOnFinish(func(r stream.Result) { c.onFinishLocked(t, r, req.Attempt) }),
	)
	res := dec.Run(t.ctx, s)
	if res.Finalized() {
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("component", "lifecycle").Str("turn_id", t.ID).Str("reason", string(res.Reason)).Msg("turn failed")
		}
		return nil
	}
	if res.Accepted > 0 {
		// partial content is never retried
		c.fail(t, messages.ReasonTransport, res.Err, req.Attempt)
		return nil
	}
	return res.Err
}

func (c *Controller) gate(t *Turn) stream.Gate {
	return func(fn func() error) error {
		c.mu.Lock()
		defer c.unlock()
		if t.closed || c.active != t {
			return stream.ErrGateClosed
		}
		return fn()
	}
}

func (c *Controller) onChunkLocked(t *Turn, accepted int) {
	if accepted == 1 {
		c.setStateLocked(t, StateStreaming)
	}
	c.armTimerLocked(t, c.cfg.ChunkTimeout)
}

func (c *Controller) onFinishLocked(t *Turn, r stream.Result, attempts int) {
	if c.state == StatePending {
		c.setStateLocked(t, StateStreaming)
	}
	final := StateComplete
	if r.Status == messages.StatusFailed {
		final = StateFailed
	}
	c.endLocked(t, Outcome{State: final, Status: r.Status, Reason: r.Reason, Err: r.Err, Attempts: attempts})
}

func (c *Controller) fail(t *Turn, reason messages.Reason, cause error, attempts int) {
	c.mu.Lock()
	defer c.unlock()
	if t.closed {
		return
	}
	if err := c.store.Fail(t.AssistantMessageID, reason, cause); err != nil {
		log.Error().Err(err).Str("component", "lifecycle").Str("turn_id", t.ID).Msg("failed to mark assistant message failed")
	}
	log.Warn().Err(cause).Str("component", "lifecycle").Str("turn_id", t.ID).Str("reason", string(reason)).Msg("turn failed")
	c.endLocked(t, Outcome{State: StateFailed, Status: messages.StatusFailed, Reason: reason, Err: cause, Attempts: attempts})
}

// abortLocked ends t the way a cancel does, with reason.
func (c *Controller) abortLocked(t *Turn, reason messages.Reason, cause error) {
	if err := c.store.Fail(t.AssistantMessageID, reason, cause); err != nil {
		log.Error().Err(err).Str("component", "lifecycle").Str("turn_id", t.ID).Msg("failed to mark assistant message failed")
	}
	c.endLocked(t, Outcome{State: StateCancelled, Status: messages.StatusFailed, Reason: reason, Err: cause})
}

// expire fires the watchdog armed as generation gen. A callback that was
// already running when the timer was re-armed finds a newer generation and
// does nothing.
func (c *Controller) expire(t *Turn, gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if t.closed || c.active != t || gen != c.timerGen {
		return
	}
	log.Warn().Str("component", "lifecycle").Str("turn_id", t.ID).Str("state", string(c.state)).Msg("turn timed out")
	c.abortLocked(t, messages.ReasonTimeout, ErrTimeout)
}

func (c *Controller) endLocked(t *Turn, o Outcome) {
	t.closed = true
	c.stopTimerLocked()
	t.setOutcome(o)
	c.setStateLocked(t, o.State)
	c.setActiveLocked(nil)
	c.setStateLocked(t, StateIdle)
	t.cancel()
}

func (c *Controller) setActiveLocked(t *Turn) {
	c.active = t
	c.current.Store(t)
}

func (c *Controller) setStateLocked(t *Turn, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.stateVal.Store(to)
	if c.listener != nil {
		c.listener(Transition{TurnID: t.ID, From: from, To: to})
	}
}

func (c *Controller) armTimerLocked(t *Turn, d time.Duration) {
	c.stopTimerLocked()
	if d <= 0 {
		return
	}
	gen := c.timerGen
	c.timer = time.AfterFunc(d, func() { c.expire(t, gen) })
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.cfg.BackoffInitial > 0 {
		eb.InitialInterval = c.cfg.BackoffInitial
	}
	if c.cfg.BackoffMax > 0 {
		eb.MaxInterval = c.cfg.BackoffMax
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(eb, uint64(retries))
}

// completed returns the messages eligible as context for a new prompt.
func completed(msgs []messages.Message) []messages.Message {
	return slices.DeleteFunc(msgs, func(m messages.Message) bool {
		return m.Status != messages.StatusComplete || strings.TrimSpace(m.Content) == ""
	})
}
