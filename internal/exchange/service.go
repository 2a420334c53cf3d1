// Package exchange runs a single chat exchange: it records the inbound
// message, replays the conversation to the generation backend and records the
// assistant reply.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/RichardoC/convo/internal/llm"
	"github.com/RichardoC/convo/internal/models"
)

const (
	DefaultFailureExcerpt = 200

	placeholderText = "I'm sorry, I couldn't generate a response right now."
)

// Store is the part of the conversation store an exchange needs.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
}

type Generator interface {
	Generate(ctx context.Context, turns []models.Turn) (string, error)
}

type Service struct {
	store          Store
	gen            Generator
	logger         *zap.Logger
	failureExcerpt int
	locks          *conversationLocks
}

type Option func(*Service)

// WithFailureExcerpt caps how many characters of a generation failure reason
// are embedded in the placeholder reply.
func WithFailureExcerpt(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.failureExcerpt = n
		}
	}
}

// WithConversationSerialization makes exchanges against the same conversation
// run one at a time within this process.
func WithConversationSerialization(enabled bool) Option {
	return func(s *Service) {
		if enabled {
			s.locks = newConversationLocks()
		} else {
			s.locks = nil
		}
	}
}

func New(store Store, gen Generator, logger *zap.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("exchange: store must not be nil")
	}
	if gen == nil {
		return nil, errors.New("exchange: generator must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:          store,
		gen:            gen,
		logger:         logger.With(zap.String("component", "exchange")),
		failureExcerpt: DefaultFailureExcerpt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request is one inbound message. A nil ConversationID starts a new
// conversation; an empty Role means "user".
type Request struct {
	ConversationID *int64
	Content        string
	Role           string
}

// SendMessage runs the exchange and returns the persisted assistant message.
//
// The only error that leaves nothing behind is a missing conversation
// (wrapping db.ErrNotFound). Once the conversation is resolved the user
// message is committed before generation is attempted, and a failed
// generation is recorded as a placeholder reply instead of an error. Storage
// failures are returned as-is.
func (s *Service) SendMessage(ctx context.Context, req Request) (*models.Message, error) {
	convID, err := s.resolveConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// Past this point the exchange runs to completion even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	if s.locks != nil {
		unlock := s.locks.lock(convID)
		defer unlock()
	}

	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	userMsg := &models.Message{
		ConvID:  convID,
		Role:    role,
		Content: req.Content,
	}
	if err := s.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("exchange: saving user message: %w", err)
	}

	history, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("exchange: loading history: %w", err)
	}

	content, err := s.gen.Generate(ctx, models.Transcript(history))
	if err != nil {
		content = s.placeholder(err)
		s.logger.Warn("generation failed, storing placeholder reply",
			zap.Int64("conversation_id", convID),
			zap.Int("turns", len(history)),
			zap.Error(err))
	}

	reply := &models.Message{
		ConvID:  convID,
		Role:    models.RoleAssistant,
		Content: content,
	}
	if err := s.store.SaveMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("exchange: saving assistant message: %w", err)
	}

	s.logger.Debug("exchange complete",
		zap.Int64("conversation_id", convID),
		zap.Int64("user_message_id", userMsg.ID),
		zap.Int64("assistant_message_id", reply.ID))
	return reply, nil
}

// resolveConversation returns the id of the conversation the message belongs
// to, creating a fresh one when none was named.
func (s *Service) resolveConversation(ctx context.Context, id *int64) (int64, error) {
	if id == nil {
		conv, err := s.store.CreateConversation(ctx, models.DefaultConversationTitle)
		if err != nil {
			return 0, fmt.Errorf("exchange: creating conversation: %w", err)
		}
		s.logger.Info("created conversation for message", zap.Int64("conversation_id", conv.ID))
		return conv.ID, nil
	}

	conv, err := s.store.GetConversation(ctx, *id)
	if err != nil {
		return 0, fmt.Errorf("exchange: conversation %d: %w", *id, err)
	}
	return conv.ID, nil
}

func (s *Service) placeholder(err error) string {
	reason := err.Error()
	var genErr *llm.GenerationError
	if errors.As(err, &genErr) && genErr.Reason != "" {
		reason = genErr.Reason
	}
	return fmt.Sprintf("%s (error: %s)", placeholderText, excerpt(reason, s.failureExcerpt))
}

func excerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
