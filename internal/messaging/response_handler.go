// Package messaging provides inbound response routing for the engine.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/postopcare/followup/internal/models"
)

// Default patient-facing messages for inbound traffic outside an active
// questionnaire cycle.
const (
	DefaultAcknowledgement = "Recebemos sua mensagem. Se precisar falar com a equipe médica, entre em contato com a clínica."
	DefaultErrorMessage    = "Não conseguimos processar sua resposta agora. Por favor, tente novamente em alguns minutos."
)

// QuestionnaireGate reports whether an address has a live questionnaire
// invitation (defined here to avoid importing the flow package).
type QuestionnaireGate interface {
	IsAwaitingQuestionnaire(rawAddress string) (bool, error)
}

// TurnRunner processes one questionnaire answer.
type TurnRunner interface {
	ProcessQuestionnaireAnswer(ctx context.Context, rawAddress, rawText string) (models.TurnResult, error)
}

// ConversationFinder looks up the conversation behind an address without
// creating one.
type ConversationFinder interface {
	Find(rawAddress string) (*models.Conversation, error)
}

// AlertNotifier surfaces doctor alerts raised during a turn.
type AlertNotifier interface {
	NotifyDoctor(ctx context.Context, alert models.DoctorAlert) error
}

// LogAlertNotifier is the default notifier; it writes alerts to the
// structured log where the on-call tooling picks them up.
type LogAlertNotifier struct{}

func (LogAlertNotifier) NotifyDoctor(ctx context.Context, alert models.DoctorAlert) error {
	slog.Warn("DOCTOR ALERT raised",
		"conversationID", alert.ConversationID,
		"patientID", alert.PatientID,
		"followUpID", alert.FollowUpID,
		"address", alert.ChannelAddress,
		"time", alert.Time)
	return nil
}

// ResponseHandler routes inbound channel messages: replies belonging to an
// active questionnaire cycle go to the turn runner, everything else gets a
// neutral acknowledgement.
type ResponseHandler struct {
	msgService Service
	gate       QuestionnaireGate
	runner     TurnRunner
	finder     ConversationFinder
	notifier   AlertNotifier
}

// NewResponseHandler creates a ResponseHandler. A nil notifier defaults to
// the log-based one.
func NewResponseHandler(msgService Service, gate QuestionnaireGate, runner TurnRunner, finder ConversationFinder, notifier AlertNotifier) *ResponseHandler {
	if notifier == nil {
		notifier = LogAlertNotifier{}
	}
	return &ResponseHandler{
		msgService: msgService,
		gate:       gate,
		runner:     runner,
		finder:     finder,
		notifier:   notifier,
	}
}

// ProcessResponse routes one inbound message. A reply counts as a
// questionnaire answer when the invitation is still live or the conversation
// is already collecting answers; an in-progress collection is never cut off
// by the invitation window.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("ResponseHandler sender validation failed", "error", err, "from", msg.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	active, err := rh.isQuestionnaireActive(canonicalFrom)
	if err != nil {
		return err
	}

	if !active {
		slog.Debug("ResponseHandler message outside questionnaire cycle", "from", canonicalFrom)
		if err := rh.msgService.SendText(ctx, canonicalFrom, DefaultAcknowledgement); err != nil {
			slog.Error("ResponseHandler failed to send acknowledgement", "error", err, "from", canonicalFrom)
			return fmt.Errorf("failed to send acknowledgement: %w", err)
		}
		return nil
	}

	result, err := rh.runner.ProcessQuestionnaireAnswer(ctx, canonicalFrom, msg.Body)
	if err != nil {
		slog.Error("ResponseHandler turn processing failed", "error", err, "from", canonicalFrom)
		if sendErr := rh.msgService.SendText(ctx, canonicalFrom, DefaultErrorMessage); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return fmt.Errorf("turn processing failed: %w", err)
	}

	if result.NeedsDoctorAlert {
		rh.raiseAlert(ctx, canonicalFrom, msg.Time)
	}

	slog.Info("ResponseHandler turn routed", "from", canonicalFrom, "completed", result.Completed, "doctorAlert", result.NeedsDoctorAlert)
	return nil
}

// isQuestionnaireActive reports whether the address is inside an active
// cycle: a live invitation or an in-progress collection.
func (rh *ResponseHandler) isQuestionnaireActive(canonicalFrom string) (bool, error) {
	live, err := rh.gate.IsAwaitingQuestionnaire(canonicalFrom)
	if err != nil {
		return false, fmt.Errorf("invitation check failed: %w", err)
	}
	if live {
		return true, nil
	}

	conv, err := rh.finder.Find(canonicalFrom)
	if err != nil {
		return false, fmt.Errorf("conversation lookup failed: %w", err)
	}
	return conv != nil && conv.State == models.StateCollectingAnswers, nil
}

// raiseAlert notifies the care team; a notifier failure is logged but never
// fails the patient-facing turn.
func (rh *ResponseHandler) raiseAlert(ctx context.Context, canonicalFrom string, at int64) {
	alert := models.DoctorAlert{
		ChannelAddress: canonicalFrom,
		Time:           at,
	}
	if conv, err := rh.finder.Find(canonicalFrom); err == nil && conv != nil {
		alert.ConversationID = conv.ID
		alert.PatientID = conv.PatientID
		alert.FollowUpID = conv.Context.FollowUpID
	}
	if err := rh.notifier.NotifyDoctor(ctx, alert); err != nil {
		slog.Error("ResponseHandler doctor alert notification failed", "error", err, "from", canonicalFrom)
	}
}

// Start begins processing responses from the messaging service. This should
// be called once to start the response processing loop.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, msg); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", msg.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
