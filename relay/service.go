package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TPE1314/T/internal/retryutil"
	"github.com/TPE1314/T/ledger"
	"github.com/google/uuid"
)

var (
	ErrNoBinding  = errors.New("relay: user has no accepted pairing")
	ErrWrongAdmin = errors.New("relay: admin is not bound to that user")
)

// BindingSource resolves the accepted pairing for a user. Satisfied by
// *broker.Service.
type BindingSource interface {
	BindingFor(userID string) (adminID string, ok bool)
}

// MessageLog is the slice of the ledger the coordinator needs. Satisfied by
// *ledger.Store.
type MessageLog interface {
	RecordInboundMedia(userID, chatID string, kind ledger.Kind, content, fileRef string) (ledger.Message, error)
	RecordReply(messageID uint64, adminID string, kind ledger.Kind, content, fileRef string) (ledger.Reply, error)
	GetMessage(messageID uint64) (ledger.Message, error)
}

// Sender delivers outbound text through the external messaging transport.
type Sender interface {
	Send(ctx context.Context, recipientID string, text string) error
}

// Delivery reports where a routed message went.
type Delivery struct {
	AdminID       string
	UserID        string
	MessageID     uint64
	ReplyID       uint64
	CorrelationID string
}

// Service orchestrates the broker binding lookup and the ledger write for
// each direction of an accepted pairing. It owns no state of its own.
type Service struct {
	bindings BindingSource
	messages MessageLog
	sender   Sender
	log      *slog.Logger
}

func NewService(bindings BindingSource, messageLog MessageLog, sender Sender, logger *slog.Logger) (*Service, error) {
	if bindings == nil || messageLog == nil || sender == nil {
		return nil, fmt.Errorf("bindings, message log and sender are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{bindings: bindings, messages: messageLog, sender: sender, log: logger}, nil
}

// RouteInbound persists an inbound user message and forwards it to the bound
// admin. Without an accepted pairing it returns ErrNoBinding so the caller
// can fall back to offering admin selection. The message is persisted before
// the send, so a transport failure leaves it recorded and unreplied; one
// delayed resend is attempted in the background.
func (s *Service) RouteInbound(ctx context.Context, userID, chatID string, kind ledger.Kind, content, fileRef string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	adminID, ok := s.bindings.BindingFor(userID)
	if !ok {
		return Delivery{}, ErrNoBinding
	}

	msg, err := s.messages.RecordInboundMedia(userID, chatID, kind, content, fileRef)
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{
		AdminID:       adminID,
		UserID:        userID,
		MessageID:     msg.ID,
		CorrelationID: uuid.NewString(),
	}
	text := renderForward(msg)
	if err := s.sender.Send(ctx, adminID, text); err != nil {
		s.log.Warn("forward_send_failed", "msg_id", msg.ID, "admin_id", adminID, "correlation_id", d.CorrelationID, "error", err.Error())
		retryutil.AsyncRetry(ctx, s.log, "forward_send", 0, 0, func(ctx context.Context) error {
			return s.sender.Send(ctx, adminID, text)
		})
		return d, fmt.Errorf("forward to %s: %w", adminID, err)
	}
	s.log.Info("message_forwarded", "msg_id", msg.ID, "user_id", userID, "admin_id", adminID, "correlation_id", d.CorrelationID)
	return d, nil
}

// RouteReply records an admin's answer to a specific message and delivers it
// to the owning user. The admin must currently be bound to that user; a stale
// UI acting after EndChat sees ErrWrongAdmin.
func (s *Service) RouteReply(ctx context.Context, adminID string, messageID uint64, content string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	adminID = strings.TrimSpace(adminID)

	msg, err := s.messages.GetMessage(messageID)
	if err != nil {
		return Delivery{}, err
	}
	boundAdmin, ok := s.bindings.BindingFor(msg.UserID)
	if !ok || boundAdmin != adminID {
		return Delivery{}, ErrWrongAdmin
	}

	reply, err := s.messages.RecordReply(messageID, adminID, ledger.KindText, content, "")
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{
		AdminID:       adminID,
		UserID:        msg.UserID,
		MessageID:     messageID,
		ReplyID:       reply.ID,
		CorrelationID: uuid.NewString(),
	}
	if err := s.sender.Send(ctx, msg.UserID, content); err != nil {
		s.log.Warn("reply_send_failed", "reply_id", reply.ID, "user_id", msg.UserID, "correlation_id", d.CorrelationID, "error", err.Error())
		retryutil.AsyncRetry(ctx, s.log, "reply_send", 0, 0, func(ctx context.Context) error {
			return s.sender.Send(ctx, msg.UserID, content)
		})
		return d, fmt.Errorf("deliver reply to %s: %w", msg.UserID, err)
	}
	s.log.Info("reply_delivered", "reply_id", reply.ID, "msg_id", messageID, "user_id", msg.UserID, "correlation_id", d.CorrelationID)
	return d, nil
}

// renderForward builds the text shown to the admin for an inbound message.
func renderForward(msg ledger.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[#%d] %s from %s at %s", msg.ID, msg.Kind, msg.UserID, msg.CreatedAt.Format(time.TimeOnly))
	if strings.TrimSpace(msg.Content) != "" {
		b.WriteString("\n")
		b.WriteString(msg.Content)
	}
	if msg.FileRef != "" {
		fmt.Fprintf(&b, "\nfile: %s", msg.FileRef)
	}
	return b.String()
}
