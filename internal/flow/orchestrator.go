package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/valuation"
)

// Fixed user-facing messages.
const (
	GreetingMessage      = "Hi! Let's estimate your car's value."
	InvalidNumberNotice  = "That doesn't look like a valid number, please try again."
	ValuationFailedReply = "Sorry, the valuation could not be completed. Please try again."
	EstimateReplyPrefix  = "Estimated vehicle value: "
)

// Sender delivers one outbound chat message.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Estimator prices a completed attribute set.
type Estimator interface {
	Estimate(ctx context.Context, attrs models.Attributes) (valuation.Estimate, error)
}

// ValuationRecorder persists the outcome of completed intakes.
type ValuationRecorder interface {
	SaveValuation(v *models.Valuation) error
}

// IsStartCommand reports whether text is the /start command. A bot mention
// ("/start@CarValueBot") and trailing arguments are accepted; a bare "start" is
// an ordinary answer.
func IsStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	command, _, _ := strings.Cut(fields[0], "@")
	return strings.EqualFold(command, "/start")
}

// Orchestrator drives one conversation turn at a time: it looks up the session,
// advances the state machine, runs the valuation on completion and sends exactly
// one reply for every handled event.
//
// Callers must not invoke HandleMessage concurrently for the same conversation;
// messaging.ResponseHandler serializes events per conversation.
type Orchestrator struct {
	machine   *Machine
	sessions  *SessionStore
	estimator Estimator
	sender    Sender
	recorder  ValuationRecorder
	now       func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecorder stores a Valuation for every completed intake.
func WithRecorder(r ValuationRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator wires the intake components together.
func NewOrchestrator(machine *Machine, sessions *SessionStore, estimator Estimator, sender Sender, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		machine:   machine,
		sessions:  sessions,
		estimator: estimator,
		sender:    sender,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveSessions returns the number of conversations in progress.
func (o *Orchestrator) ActiveSessions() int {
	return o.sessions.Count()
}

// HandleMessage processes one inbound text for conversationID. Messages for
// conversations without a session are ignored and return nil. Only errors the
// user cannot be told about (send failures, unexpected encoder errors) are returned.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID, text string) error {
	if IsStartCommand(text) {
		return o.start(ctx, conversationID)
	}

	var tr Transition
	sess, err := o.sessions.Update(conversationID, func(s Session) (Session, error) {
		next, t, err := o.machine.Advance(s, text)
		tr = t
		return next, err
	})

	var invalid *InvalidAnswerError
	switch {
	case errors.Is(err, ErrUnknownConversation):
		slog.Debug("Orchestrator.HandleMessage: no session, ignoring", "conversation", conversationID)
		return nil
	case errors.As(err, &invalid):
		slog.Debug("Orchestrator.HandleMessage: invalid answer", "conversation", conversationID, "attribute", invalid.Attribute)
		return o.reply(ctx, conversationID, InvalidNumberNotice+"\n"+tr.Prompt)
	case err != nil:
		return fmt.Errorf("advance conversation %s: %w", conversationID, err)
	}

	if !tr.Complete {
		slog.Debug("Orchestrator.HandleMessage: advanced", "conversation", conversationID, "from", tr.From, "to", tr.To)
		return o.reply(ctx, conversationID, tr.Prompt)
	}
	return o.complete(ctx, sess)
}

func (o *Orchestrator) start(ctx context.Context, conversationID string) error {
	sess, tr := o.machine.Start(conversationID)
	if _, existed := o.sessions.Get(conversationID); existed {
		slog.Info("Orchestrator.start: restarting conversation, prior answers discarded", "conversation", conversationID)
	}
	o.sessions.Put(sess)
	slog.Info("Orchestrator.start: session created", "conversation", conversationID)
	return o.reply(ctx, conversationID, GreetingMessage+"\n"+tr.Prompt)
}

// complete runs the valuation for a finished session. The session is removed
// whatever the outcome.
func (o *Orchestrator) complete(ctx context.Context, sess Session) error {
	defer o.sessions.Delete(sess.ConversationID)

	record := &models.Valuation{
		ID:             uuid.NewString(),
		ConversationID: sess.ConversationID,
		Attributes:     sess.Collected.Clone(),
		CreatedAt:      o.now(),
	}

	est, err := o.estimator.Estimate(ctx, sess.Collected)
	var body string
	switch {
	case err == nil:
		record.Status = models.ValuationStatusEstimated
		record.Price, _ = est.Price.Float64()
		body = EstimateReplyPrefix + est.Display()
		slog.Info("Orchestrator.complete: valuation estimated", "conversation", sess.ConversationID, "price", est.Price.String())
	case errors.Is(err, valuation.ErrArtifactLoad), errors.Is(err, valuation.ErrInference):
		record.Status = models.ValuationStatusFailed
		record.Error = err.Error()
		body = ValuationFailedReply
		slog.Warn("Orchestrator.complete: valuation failed", "conversation", sess.ConversationID, "error", err)
	default:
		return fmt.Errorf("estimate conversation %s: %w", sess.ConversationID, err)
	}

	o.record(record)
	return o.reply(ctx, sess.ConversationID, body)
}

func (o *Orchestrator) record(v *models.Valuation) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveValuation(v); err != nil {
		slog.Error("Orchestrator.record: failed to save valuation", "id", v.ID, "error", err)
	}
}

func (o *Orchestrator) reply(ctx context.Context, to, body string) error {
	if err := o.sender.SendMessage(ctx, to, body); err != nil {
		slog.Error("Orchestrator.reply: send failed", "to", to, "error", err)
		return fmt.Errorf("send reply to %s: %w", to, err)
	}
	return nil
}
