package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/store"
)

// ErrHandlerStopped is returned by Submit after Stop.
var ErrHandlerStopped = errors.New("response handler stopped")

// MessageHandler processes one inbound chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conversationID, text string) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, conversationID, text string) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, conversationID, text string) error {
	return f(ctx, conversationID, text)
}

// ResponseHandler routes inbound messages to a MessageHandler. Messages from the
// same conversation are handled one at a time in arrival order; different
// conversations are handled in parallel.
type ResponseHandler struct {
	msgService Service
	handler    MessageHandler
	dedup      store.DedupRepo

	// mu protects lanes, baseCtx, stopped and the consumer fields
	mu      sync.Mutex
	lanes   map[string][]models.Response
	baseCtx context.Context
	stopped bool
	wg      sync.WaitGroup

	stopConsumer context.CancelFunc
	consumerDone chan struct{}
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops messages whose ID was already recorded in repo.
func WithDedup(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// NewResponseHandler creates a ResponseHandler. msgService canonicalizes senders
// into conversation IDs.
func NewResponseHandler(msgService Service, handler MessageHandler, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		handler:    handler,
		lanes:      make(map[string][]models.Response),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// Submit validates and queues one inbound message. It returns once the message is
// queued; handling happens on the conversation's lane. Duplicates are dropped
// silently. After Stop it returns ErrHandlerStopped.
func (rh *ResponseHandler) Submit(response models.Response) error {
	if rh.isStopped() {
		return ErrHandlerStopped
	}
	if err := response.Validate(); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	canonicalFrom, err := rh.conversationID(response)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = canonicalFrom

	if rh.dedup != nil && response.ID != "" {
		fresh, err := rh.dedup.RecordInbound(response.ID, canonicalFrom)
		if err != nil {
			// Dedup is best effort; handle the message rather than lose it.
			slog.Warn("ResponseHandler dedup check failed", "error", err, "message_id", response.ID)
		} else if !fresh {
			slog.Info("ResponseHandler dropping duplicate message", "message_id", response.ID, "from", canonicalFrom)
			return nil
		}
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	if rh.stopped {
		return ErrHandlerStopped
	}
	queue, running := rh.lanes[canonicalFrom]
	rh.lanes[canonicalFrom] = append(queue, response)
	if !running {
		rh.wg.Add(1)
		go rh.drain(rh.baseCtx, canonicalFrom)
	}
	return nil
}

// conversationID returns the lane and session key for response. Opaque senders
// are only trimmed; everything else goes through the service's phone rules.
func (rh *ResponseHandler) conversationID(response models.Response) (string, error) {
	if !response.Opaque {
		return rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	}
	id := strings.TrimSpace(response.From)
	if id == "" {
		return "", models.ErrEmptySender
	}
	return id, nil
}

// drain handles queued messages for one conversation until its lane is empty.
func (rh *ResponseHandler) drain(ctx context.Context, conversationID string) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		queue := rh.lanes[conversationID]
		if len(queue) == 0 {
			delete(rh.lanes, conversationID)
			rh.mu.Unlock()
			return
		}
		next := queue[0]
		rh.lanes[conversationID] = queue[1:]
		rh.mu.Unlock()

		rh.process(ctx, next)
	}
}

func (rh *ResponseHandler) process(ctx context.Context, response models.Response) {
	slog.Debug("ResponseHandler processing response", "from", response.From, "body_length", len(response.Body))
	if err := rh.handler.HandleMessage(ctx, response.From, response.Body); err != nil {
		slog.Error("ResponseHandler handler failed", "error", err, "from", response.From)
	}
	if rh.dedup != nil && response.ID != "" {
		if err := rh.dedup.MarkProcessed(response.ID); err != nil {
			slog.Warn("ResponseHandler mark processed failed", "error", err, "message_id", response.ID)
		}
	}
}

// Start consumes the service's Responses channel until it closes or ctx ends.
// ctx also becomes the context handed to the MessageHandler.
func (rh *ResponseHandler) Start(ctx context.Context) {
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	rh.mu.Lock()
	rh.baseCtx = ctx
	rh.stopConsumer = cancel
	rh.consumerDone = done
	rh.mu.Unlock()

	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer close(done)
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.Submit(response); err != nil {
					slog.Warn("ResponseHandler rejected response", "error", err, "from", response.From)
				}
			case <-consumeCtx.Done():
				return
			}
		}
	}()
}

// Stop rejects further submissions and waits for the Start consumer to exit.
// Messages already queued keep running; call Wait afterwards to drain them.
func (rh *ResponseHandler) Stop() {
	rh.mu.Lock()
	rh.stopped = true
	cancel, done := rh.stopConsumer, rh.consumerDone
	rh.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (rh *ResponseHandler) isStopped() bool {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.stopped
}

// Pending returns the number of conversations with queued or running messages.
func (rh *ResponseHandler) Pending() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return len(rh.lanes)
}

// Wait blocks until every queued message has been handled. Call Stop first when
// submissions may still arrive.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
