// Package usecase implements the per-request dispatch over a session's
// conversation state: an ordered chain of guarded branches, evaluated
// top-down, short-circuiting on the first branch that produces a response.
package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"bookshop-agent/internal/domain"
)

const (
	defaultSessionID = "default"

	// Oracle calls see a bounded slice of history.
	topicContextMessages     = 3
	recommendContextMessages = 5

	rejectionText   = "I'm just a bookseller, I can help you find the next book to read but nothing else"
	freshCaption    = "Here are some books you might like:"
	criteriaCaption = "Here are some books matching your criteria:"
)

// Oracle is the external classification/generation capability consulted by
// the dispatch chain.
type Oracle interface {
	ClassifyTopic(ctx context.Context, query string, recent []domain.Message) (bool, error)
	MatchBookFollowup(ctx context.Context, query string, lastBooks []domain.Book) (*domain.Book, error)
	ClassifyCriteriaFollowup(ctx context.Context, query, lastQuery string) (bool, error)
	GenerateRecommendations(ctx context.Context, query string, history []domain.Message, criteria string) ([]domain.Book, error)
	GenerateDetail(ctx context.Context, book domain.Book, query string) (string, error)
}

// SessionStore yields exclusive access to one session's conversation for the
// duration of a dispatch cycle.
type SessionStore interface {
	Acquire(sessionID string) (*domain.Conversation, func())
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatInput struct {
	Query     string
	SessionID string
}

type ChatOutput struct {
	Response  string
	Books     []domain.Book // nil unless a recommendation or refinement occurred
	SessionID string
}

// outcome is a branch's accepted result. mutate carries the conversation
// update the branch owes beyond the two message appends; it runs only after
// every oracle call of the branch has succeeded.
type outcome struct {
	text   string
	books  []domain.Book
	mutate func(*domain.Conversation)
}

// branch is one guard/handler pair of the priority chain. A nil outcome from
// handle means the branch declined and evaluation falls through.
type branch struct {
	name   string
	guard  func(*domain.Conversation) bool
	handle func(ctx context.Context, query string, conv *domain.Conversation) (*outcome, error)
}

// ChatService runs the dispatch chain. Branch order is a contract:
// book followup, then criteria followup, then off-topic rejection, then
// fresh recommendation.
type ChatService struct {
	oracle   Oracle
	sessions SessionStore
	branches []branch
}

func NewChatService(o Oracle, s SessionStore) (*ChatService, error) {
	if o == nil {
		return nil, errors.New("usecase: oracle must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	svc := &ChatService{oracle: o, sessions: s}
	svc.branches = []branch{
		{
			name:   "book_followup",
			guard:  func(c *domain.Conversation) bool { return len(c.LastBooks) > 0 },
			handle: svc.handleBookFollowup,
		},
		{
			name:   "criteria_followup",
			guard:  func(c *domain.Conversation) bool { return c.LastQuery != "" },
			handle: svc.handleCriteriaFollowup,
		},
		{
			name:   "off_topic",
			guard:  func(*domain.Conversation) bool { return true },
			handle: svc.handleOffTopic,
		},
		{
			name:   "recommendation",
			guard:  func(*domain.Conversation) bool { return true },
			handle: svc.handleRecommendation,
		},
	}
	return svc, nil
}

// Chat processes one user turn. On success the session's history grows by
// exactly two messages (the query, then the assistant text); if any oracle
// call fails the conversation is left untouched.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_query", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = defaultSessionID
	}

	conv, release := s.sessions.Acquire(sessionID)
	defer release()

	for _, b := range s.branches {
		if !b.guard(conv) {
			continue
		}
		out, err := b.handle(ctx, query, conv)
		if err != nil {
			return ChatOutput{}, err
		}
		if out == nil {
			continue
		}
		slog.Debug("dispatch branch matched", "branch", b.name, "session", sessionID)

		conv.Append(domain.RoleUser, query)
		conv.Append(domain.RoleAssistant, out.text)
		if out.mutate != nil {
			out.mutate(conv)
		}
		return ChatOutput{
			Response:  out.text,
			Books:     out.books,
			SessionID: sessionID,
		}, nil
	}
	// The recommendation branch always produces an outcome.
	return ChatOutput{}, newError(ErrorInternal, "no_branch_matched", nil)
}

// handleBookFollowup answers a question about one of the previously
// recommended books. The last recommendation set and base query stay as
// they are.
func (s *ChatService) handleBookFollowup(ctx context.Context, query string, conv *domain.Conversation) (*outcome, error) {
	book, err := s.oracle.MatchBookFollowup(ctx, query, conv.LastBooks)
	if err != nil {
		return nil, oracleError("book_followup_match", err)
	}
	if book == nil {
		return nil, nil
	}
	detail, err := s.oracle.GenerateDetail(ctx, *book, query)
	if err != nil {
		return nil, oracleError("book_detail", err)
	}
	return &outcome{text: detail}, nil
}

// handleCriteriaFollowup re-issues the original base query with the current
// query as an added constraint. The base query itself is not replaced, so a
// later refinement applies to the original request again rather than
// compounding on this one.
func (s *ChatService) handleCriteriaFollowup(ctx context.Context, query string, conv *domain.Conversation) (*outcome, error) {
	followup, err := s.oracle.ClassifyCriteriaFollowup(ctx, query, conv.LastQuery)
	if err != nil {
		return nil, oracleError("criteria_classification", err)
	}
	if !followup {
		return nil, nil
	}
	books, err := s.oracle.GenerateRecommendations(ctx, conv.LastQuery, conv.Recent(recommendContextMessages), query)
	if err != nil {
		return nil, oracleError("criteria_recommendations", err)
	}
	return &outcome{
		text:  criteriaCaption,
		books: books,
		mutate: func(c *domain.Conversation) {
			c.LastBooks = books
		},
	}, nil
}

// handleOffTopic rejects queries unrelated to books. On-topic queries fall
// through to the recommendation branch.
func (s *ChatService) handleOffTopic(ctx context.Context, query string, conv *domain.Conversation) (*outcome, error) {
	related, err := s.oracle.ClassifyTopic(ctx, query, conv.Recent(topicContextMessages))
	if err != nil {
		return nil, oracleError("topic_classification", err)
	}
	if related {
		return nil, nil
	}
	return &outcome{text: rejectionText}, nil
}

// handleRecommendation produces a fresh recommendation set and makes this
// query the new base for future refinements.
func (s *ChatService) handleRecommendation(ctx context.Context, query string, conv *domain.Conversation) (*outcome, error) {
	books, err := s.oracle.GenerateRecommendations(ctx, query, conv.Recent(recommendContextMessages), "")
	if err != nil {
		return nil, oracleError("fresh_recommendations", err)
	}
	return &outcome{
		text:  freshCaption,
		books: books,
		mutate: func(c *domain.Conversation) {
			c.LastBooks = books
			c.LastQuery = query
		},
	}, nil
}

// oracleError folds an oracle failure into the taxonomy, keeping upstream
// rate limiting distinguishable for the transport layer.
func oracleError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
