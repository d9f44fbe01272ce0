// Package oracle adapts the external language model into the small set of
// classification and generation operations the dispatch chain needs. Every
// operation has a strict JSON output contract; malformed model output is
// recovered locally with a fallback value, never surfaced to the caller.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"bookshop-agent/internal/domain"
	"bookshop-agent/internal/integrations/openai"
)

const expectedBooks = 3

// LLMClient is the completion surface the adapter relies on. The openai
// client satisfies it.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, opts openai.ChatOptions) (string, error)
}

// Adapter is stateless; every method is one request/response exchange with
// the external model.
type Adapter struct {
	llm   LLMClient
	model string
}

func New(llm LLMClient, model string) (*Adapter, error) {
	if llm == nil {
		return nil, errors.New("oracle: llm client must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("oracle: model must not be empty")
	}
	return &Adapter{llm: llm, model: model}, nil
}

// ClassifyTopic reports whether the query concerns books or bookshops.
// recent supplies the preceding messages as conversational context. A
// response that does not honor the output contract is treated as on-topic;
// the recommendation path downstream has its own fallback, so failing open
// is the cheaper wrong answer.
func (a *Adapter) ClassifyTopic(ctx context.Context, query string, recent []domain.Message) (bool, error) {
	messages := []domain.ChatMessage{{Role: "system", Content: topicPrompt}}
	messages = append(messages, historyToPromptMessages(recent)...)
	messages = append(messages, domain.ChatMessage{Role: "user", Content: query})

	raw, err := a.llm.Chat(ctx, a.model, messages, openai.ChatOptions{ResponseFormat: topicFormat()})
	if err != nil {
		return false, fmt.Errorf("oracle: classify topic: %w", err)
	}

	var out topicResult
	if err := decodeStrict(raw, &out); err != nil {
		slog.Warn("topic classification fell back to on-topic", "err", err)
		return true, nil
	}
	return out.Related, nil
}

// MatchBookFollowup returns the book from lastBooks the query is asking
// about, or nil when the query is not about any of them. It never invents a
// book: the model only names a title, and the result is resolved against
// the caller's list. An empty lastBooks returns nil without a model call.
func (a *Adapter) MatchBookFollowup(ctx context.Context, query string, lastBooks []domain.Book) (*domain.Book, error) {
	if len(lastBooks) == 0 {
		return nil, nil
	}

	messages := []domain.ChatMessage{
		{Role: "system", Content: bookFollowupPrompt},
		{Role: "user", Content: fmt.Sprintf("Previous books: %s\n\nUser question: %s", bookTitles(lastBooks), query)},
	}

	raw, err := a.llm.Chat(ctx, a.model, messages, openai.ChatOptions{ResponseFormat: bookFollowupFormat()})
	if err != nil {
		return nil, fmt.Errorf("oracle: match book followup: %w", err)
	}

	var out bookFollowupResult
	if err := decodeStrict(raw, &out); err != nil {
		slog.Warn("book followup match fell back to no match", "err", err)
		return nil, nil
	}
	if !out.Matched {
		return nil, nil
	}
	for i := range lastBooks {
		if strings.EqualFold(strings.TrimSpace(out.Title), lastBooks[i].Title) {
			book := lastBooks[i]
			return &book, nil
		}
	}
	// The model named a title outside the list; treat as no match.
	return nil, nil
}

// ClassifyCriteriaFollowup reports whether query refines lastQuery with an
// added constraint rather than asking about an already-identified book. A
// malformed response counts as not-a-followup so the chain can fall through
// to topic classification.
func (a *Adapter) ClassifyCriteriaFollowup(ctx context.Context, query, lastQuery string) (bool, error) {
	messages := []domain.ChatMessage{
		{Role: "system", Content: criteriaFollowupPrompt},
		{Role: "user", Content: fmt.Sprintf("Previous query: %s\n\nCurrent query: %s", lastQuery, query)},
	}

	raw, err := a.llm.Chat(ctx, a.model, messages, openai.ChatOptions{ResponseFormat: criteriaFollowupFormat()})
	if err != nil {
		return false, fmt.Errorf("oracle: classify criteria followup: %w", err)
	}

	var out criteriaFollowupResult
	if err := decodeStrict(raw, &out); err != nil {
		slog.Warn("criteria followup classification fell back to false", "err", err)
		return false, nil
	}
	return out.Followup, nil
}

// GenerateRecommendations produces exactly three books for the query,
// optionally constrained by criteria. history supplies conversational
// context. Malformed or miscounted model output yields the fixed fallback
// list; transport failures propagate. Successful generations go through a
// purchase-link enrichment pass before being returned.
func (a *Adapter) GenerateRecommendations(ctx context.Context, query string, history []domain.Message, criteria string) ([]domain.Book, error) {
	temp := 0.7
	messages := []domain.ChatMessage{{Role: "system", Content: recommendationPrompt(criteria)}}
	messages = append(messages, historyToPromptMessages(history)...)
	messages = append(messages, domain.ChatMessage{Role: "user", Content: query})

	raw, err := a.llm.Chat(ctx, a.model, messages, openai.ChatOptions{
		Temperature:    &temp,
		MaxTokens:      1000,
		ResponseFormat: recommendationFormat(),
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: generate recommendations: %w", err)
	}

	var out recommendationResult
	if err := decodeStrict(raw, &out); err != nil {
		slog.Warn("recommendations fell back to default list", "err", err)
		return fallbackBooks(), nil
	}
	if err := validateBooks(out.Books); err != nil {
		slog.Warn("recommendations fell back to default list", "err", err)
		return fallbackBooks(), nil
	}

	a.enrichLinks(ctx, out.Books)
	return out.Books, nil
}

// GenerateDetail produces a natural-language elaboration about book
// answering query.
func (a *Adapter) GenerateDetail(ctx context.Context, book domain.Book, query string) (string, error) {
	messages := []domain.ChatMessage{{Role: "system", Content: detailPrompt(book, query)}}

	raw, err := a.llm.Chat(ctx, a.model, messages, openai.ChatOptions{})
	if err != nil {
		return "", fmt.Errorf("oracle: generate detail: %w", err)
	}
	detail := strings.TrimSpace(raw)
	if detail == "" {
		return "", errors.New("oracle: empty detail response")
	}
	return detail, nil
}

// enrichLinks replaces each book's purchase links with direct store links
// asked of the model, one call per book run concurrently. Any failure
// degrades that book to vendor search URLs; enrichment never fails the
// recommendation itself.
func (a *Adapter) enrichLinks(ctx context.Context, books []domain.Book) {
	var g errgroup.Group
	for i := range books {
		i := i
		g.Go(func() error {
			books[i].PurchaseLinks = a.fetchLinks(ctx, books[i])
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Adapter) fetchLinks(ctx context.Context, book domain.Book) map[string]string {
	author := ""
	if len(book.Author) > 0 {
		author = book.Author[0]
	}
	temp := 0.2
	raw, err := a.llm.Chat(ctx, a.model,
		[]domain.ChatMessage{{Role: "user", Content: linksPrompt(book.Title, author)}},
		openai.ChatOptions{
			Temperature:    &temp,
			MaxTokens:      200,
			ResponseFormat: linksFormat(),
		})
	if err != nil {
		return searchLinks(book.Title)
	}
	var out linksResult
	if err := decodeStrict(raw, &out); err != nil {
		return searchLinks(book.Title)
	}
	if !isHTTPURL(out.Amazon) || !isHTTPURL(out.LaFeltrinelli) {
		return searchLinks(book.Title)
	}
	return map[string]string{"amazon": out.Amazon, "lafeltrinelli": out.LaFeltrinelli}
}

// searchLinks builds vendor search URLs from the title, the last-resort
// purchase links when the model cannot supply direct ones.
func searchLinks(title string) map[string]string {
	q := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "+")
	return map[string]string{
		"amazon":        "https://www.amazon.it/s?k=" + q,
		"lafeltrinelli": "https://www.lafeltrinelli.it/search?q=" + q,
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func validateBooks(books []domain.Book) error {
	if len(books) != expectedBooks {
		return fmt.Errorf("oracle: expected %d books, got %d", expectedBooks, len(books))
	}
	for _, b := range books {
		if strings.TrimSpace(b.Title) == "" {
			return errors.New("oracle: book missing title")
		}
		if len(b.Author) == 0 {
			return fmt.Errorf("oracle: book %q missing authors", b.Title)
		}
		if b.Price < 0 {
			return fmt.Errorf("oracle: book %q has negative price", b.Title)
		}
	}
	return nil
}

func bookTitles(books []domain.Book) string {
	parts := make([]string, 0, len(books))
	for _, b := range books {
		parts = append(parts, fmt.Sprintf("%q by %s", b.Title, strings.Join(b.Author, ", ")))
	}
	return strings.Join(parts, "; ")
}

// fallbackBooks is the fixed degenerate response used when the model cannot
// produce a usable recommendation set. Fresh copies every call: purchase
// link maps are mutable downstream.
func fallbackBooks() []domain.Book {
	return []domain.Book{
		{
			Title:   "The Great Gatsby",
			Author:  []string{"F. Scott Fitzgerald"},
			Price:   12.99,
			Summary: "A story of the fabulously wealthy Jay Gatsby and his love for the beautiful Daisy Buchanan.",
			PurchaseLinks: map[string]string{
				"amazon":        "https://www.amazon.it/Great-Gatsby-F-Scott-Fitzgerald/dp/0141182636",
				"lafeltrinelli": "https://www.lafeltrinelli.it/libri/f-scott-fitzgerald/great-gatsby-9780141182636",
			},
		},
		{
			Title:   "1984",
			Author:  []string{"George Orwell"},
			Price:   14.99,
			Summary: "A dystopian novel set in a totalitarian society where critical thought is suppressed.",
			PurchaseLinks: map[string]string{
				"amazon":        "https://www.amazon.it/1984-George-Orwell/dp/0451524934",
				"lafeltrinelli": "https://www.lafeltrinelli.it/libri/george-orwell/1984-9780451524935",
			},
		},
		{
			Title:   "To Kill a Mockingbird",
			Author:  []string{"Harper Lee"},
			Price:   13.99,
			Summary: "The story of racial injustice and the loss of innocence in the American South.",
			PurchaseLinks: map[string]string{
				"amazon":        "https://www.amazon.it/Kill-Mockingbird-Harper-Lee/dp/0446310786",
				"lafeltrinelli": "https://www.lafeltrinelli.it/libri/harper-lee/kill-mockingbird-9780446310789",
			},
		},
	}
}
