package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"bookshop-agent/internal/domain"
	"bookshop-agent/internal/integrations/openai"
)

type fakeCall struct {
	messages []domain.ChatMessage
	opts     openai.ChatOptions
}

type chatReply struct {
	raw string
	err error
}

// fakeLLM replays scripted replies in call order, clamping to the last one
// so the concurrent link-enrichment calls all see the same reply.
type fakeLLM struct {
	mu      sync.Mutex
	replies []chatReply
	calls   []fakeCall
}

func (f *fakeLLM) Chat(_ context.Context, _ string, messages []domain.ChatMessage, opts openai.ChatOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, fakeCall{messages: messages, opts: opts})
	if len(f.replies) == 0 {
		return "", errors.New("no reply configured")
	}
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx].raw, f.replies[idx].err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newAdapter(t *testing.T, llm LLMClient) *Adapter {
	t.Helper()
	a, err := New(llm, "gpt-mock")
	require.NoError(t, err)
	return a
}

const recommendationJSON = `{"books":[
	{"title":"Dune","author":["Frank Herbert"],"price":15.99,"summary":"Desert planet politics.","purchase_links":{"amazon":"https://www.amazon.it/dp/1","lafeltrinelli":"https://www.lafeltrinelli.it/1"}},
	{"title":"Hyperion","author":["Dan Simmons"],"price":13.50,"summary":"Pilgrims tell their tales.","purchase_links":{"amazon":"https://www.amazon.it/dp/2","lafeltrinelli":"https://www.lafeltrinelli.it/2"}},
	{"title":"Neuromancer","author":["William Gibson"],"price":11.99,"summary":"A washed-up hacker's last job.","purchase_links":{"amazon":"https://www.amazon.it/dp/3","lafeltrinelli":"https://www.lafeltrinelli.it/3"}}
]}`

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "gpt-mock")
	require.Error(t, err)

	_, err = New(&fakeLLM{}, "  ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// ClassifyTopic
// ---------------------------------------------------------------------------

func TestClassifyTopic(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{name: "related", raw: `{"related":true}`, want: true},
		{name: "unrelated", raw: `{"related":false}`, want: false},
		{name: "malformed falls open", raw: `certainly! the answer is true`, want: true},
		{name: "unknown field falls open", raw: `{"related":true,"extra":1}`, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{replies: []chatReply{{raw: tc.raw}}}
			a := newAdapter(t, llm)
			got, err := a.ClassifyTopic(context.Background(), "recommend a book", nil)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyTopic_TransportErrorPropagates(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{err: errors.New("connection refused")}}}
	a := newAdapter(t, llm)
	_, err := a.ClassifyTopic(context.Background(), "recommend a book", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "classify topic")
}

func TestClassifyTopic_IncludesRecentHistory(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{raw: `{"related":true}`}}}
	a := newAdapter(t, llm)

	recent := []domain.Message{
		{Role: domain.RoleUser, Text: "hi"},
		{Role: domain.RoleAssistant, Text: "hello"},
	}
	_, err := a.ClassifyTopic(context.Background(), "and a thriller?", recent)
	require.NoError(t, err)

	msgs := llm.calls[0].messages
	require.Len(t, msgs, 4) // system + 2 history + query
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "hi", msgs[1].Content)
	require.Equal(t, "hello", msgs[2].Content)
	require.Equal(t, "and a thriller?", msgs[3].Content)
}

// ---------------------------------------------------------------------------
// MatchBookFollowup
// ---------------------------------------------------------------------------

func lastBooks() []domain.Book {
	return []domain.Book{
		{Title: "Dune", Author: []string{"Frank Herbert"}, Price: 15.99, Summary: "Desert planet politics.", PurchaseLinks: map[string]string{"amazon": "a"}},
		{Title: "Hyperion", Author: []string{"Dan Simmons"}, Price: 13.50, Summary: "Pilgrims tell their tales.", PurchaseLinks: map[string]string{"amazon": "b"}},
	}
}

func TestMatchBookFollowup_EmptyListShortCircuits(t *testing.T) {
	llm := &fakeLLM{}
	a := newAdapter(t, llm)
	book, err := a.MatchBookFollowup(context.Background(), "tell me more", nil)
	require.NoError(t, err)
	require.Nil(t, book)
	require.Zero(t, llm.callCount(), "empty book list must not trigger an oracle call")
}

func TestMatchBookFollowup_ResolvesAgainstStoredBooks(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{raw: `{"matched":true,"title":"dune"}`}}}
	a := newAdapter(t, llm)

	book, err := a.MatchBookFollowup(context.Background(), "tell me more about Dune", lastBooks())
	require.NoError(t, err)
	require.NotNil(t, book)
	require.Equal(t, "Dune", book.Title, "title match is case-insensitive and yields the stored book")
	require.Equal(t, []string{"Frank Herbert"}, book.Author)
}

func TestMatchBookFollowup_NoMatch(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "explicit no match", raw: `{"matched":false,"title":""}`},
		{name: "fabricated title", raw: `{"matched":true,"title":"Moby Dick"}`},
		{name: "malformed reply", raw: `not json at all`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{replies: []chatReply{{raw: tc.raw}}}
			a := newAdapter(t, llm)
			book, err := a.MatchBookFollowup(context.Background(), "tell me more", lastBooks())
			require.NoError(t, err)
			require.Nil(t, book)
		})
	}
}

func TestMatchBookFollowup_TransportErrorPropagates(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{err: errors.New("boom")}}}
	a := newAdapter(t, llm)
	_, err := a.MatchBookFollowup(context.Background(), "tell me more", lastBooks())
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// ClassifyCriteriaFollowup
// ---------------------------------------------------------------------------

func TestClassifyCriteriaFollowup(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{name: "followup", raw: `{"followup":true}`, want: true},
		{name: "not a followup", raw: `{"followup":false}`, want: false},
		{name: "malformed falls closed", raw: `sure, that is a followup`, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{replies: []chatReply{{raw: tc.raw}}}
			a := newAdapter(t, llm)
			got, err := a.ClassifyCriteriaFollowup(context.Background(), "anything in Italian?", "sci-fi books")
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// GenerateRecommendations
// ---------------------------------------------------------------------------

func TestGenerateRecommendations_EnrichesLinks(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{
		{raw: recommendationJSON},
		{raw: `{"amazon":"https://www.amazon.it/dp/direct","lafeltrinelli":"https://www.lafeltrinelli.it/direct"}`},
	}}
	a := newAdapter(t, llm)

	books, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "")
	require.NoError(t, err)
	require.Len(t, books, 3)
	require.Equal(t, "Dune", books[0].Title)
	for _, b := range books {
		require.Equal(t, "https://www.amazon.it/dp/direct", b.PurchaseLinks["amazon"])
		require.Equal(t, "https://www.lafeltrinelli.it/direct", b.PurchaseLinks["lafeltrinelli"])
	}
	require.Equal(t, 4, llm.callCount(), "one generation call plus one enrichment call per book")
}

func TestGenerateRecommendations_LinkFailureFallsBackToSearch(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{
		{raw: recommendationJSON},
		{raw: `here you go: amazon.it!`},
	}}
	a := newAdapter(t, llm)

	books, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "")
	require.NoError(t, err)
	require.Equal(t, "https://www.amazon.it/s?k=dune", books[0].PurchaseLinks["amazon"])
	require.Equal(t, "https://www.lafeltrinelli.it/search?q=dune", books[0].PurchaseLinks["lafeltrinelli"])
}

func TestGenerateRecommendations_RejectsNonHTTPLinks(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{
		{raw: recommendationJSON},
		{raw: `{"amazon":"www.amazon.it/dp/1","lafeltrinelli":"ftp://nope"}`},
	}}
	a := newAdapter(t, llm)

	books, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "")
	require.NoError(t, err)
	require.Equal(t, "https://www.amazon.it/s?k=dune", books[0].PurchaseLinks["amazon"])
}

func TestGenerateRecommendations_FallbackList(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "malformed", raw: `I would suggest Dune.`},
		{name: "too few books", raw: `{"books":[{"title":"Dune","author":["Frank Herbert"],"price":15.99,"summary":"s","purchase_links":{"amazon":"a","lafeltrinelli":"b"}}]}`},
		{name: "missing title", raw: `{"books":[{"title":"","author":["a"],"price":1,"summary":"s","purchase_links":{}},{"title":"B","author":["a"],"price":1,"summary":"s","purchase_links":{}},{"title":"C","author":["a"],"price":1,"summary":"s","purchase_links":{}}]}`},
		{name: "missing authors", raw: `{"books":[{"title":"A","author":[],"price":1,"summary":"s","purchase_links":{}},{"title":"B","author":["a"],"price":1,"summary":"s","purchase_links":{}},{"title":"C","author":["a"],"price":1,"summary":"s","purchase_links":{}}]}`},
		{name: "negative price", raw: `{"books":[{"title":"A","author":["a"],"price":-1,"summary":"s","purchase_links":{}},{"title":"B","author":["a"],"price":1,"summary":"s","purchase_links":{}},{"title":"C","author":["a"],"price":1,"summary":"s","purchase_links":{}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{replies: []chatReply{{raw: tc.raw}}}
			a := newAdapter(t, llm)

			books, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "")
			require.NoError(t, err)
			require.Len(t, books, 3, "the adapter never returns a variable-length list")
			require.Equal(t, "The Great Gatsby", books[0].Title)
			require.Equal(t, "1984", books[1].Title)
			require.Equal(t, "To Kill a Mockingbird", books[2].Title)
			require.Equal(t, 1, llm.callCount(), "the fallback list is not enriched")
		})
	}
}

func TestGenerateRecommendations_TransportErrorPropagates(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{err: errors.New("boom")}}}
	a := newAdapter(t, llm)
	_, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "")
	require.Error(t, err)
}

func TestGenerateRecommendations_CriteriaInSystemPrompt(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{
		{raw: recommendationJSON},
		{raw: `{"amazon":"https://a","lafeltrinelli":"https://b"}`},
	}}
	a := newAdapter(t, llm)

	_, err := a.GenerateRecommendations(context.Background(), "sci-fi", nil, "anything in Italian?")
	require.NoError(t, err)
	require.Contains(t, llm.calls[0].messages[0].Content, "Additional criteria: anything in Italian?")
}

func TestGenerateRecommendations_FallbackBooksAreFreshCopies(t *testing.T) {
	first := fallbackBooks()
	first[0].PurchaseLinks["amazon"] = "mutated"
	second := fallbackBooks()
	require.NotEqual(t, "mutated", second[0].PurchaseLinks["amazon"])
}

// ---------------------------------------------------------------------------
// GenerateDetail
// ---------------------------------------------------------------------------

func TestGenerateDetail(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{raw: "  Dune is a landmark of the genre.  "}}}
	a := newAdapter(t, llm)

	detail, err := a.GenerateDetail(context.Background(), lastBooks()[0], "what is it about?")
	require.NoError(t, err)
	require.Equal(t, "Dune is a landmark of the genre.", detail)

	prompt := llm.calls[0].messages[0].Content
	require.Contains(t, prompt, "Title: Dune")
	require.Contains(t, prompt, "Frank Herbert")
	require.Contains(t, prompt, "what is it about?")
}

func TestGenerateDetail_EmptyReply(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{raw: "   "}}}
	a := newAdapter(t, llm)
	_, err := a.GenerateDetail(context.Background(), lastBooks()[0], "what is it about?")
	require.Error(t, err)
}

func TestGenerateDetail_TransportErrorPropagates(t *testing.T) {
	llm := &fakeLLM{replies: []chatReply{{err: errors.New("boom")}}}
	a := newAdapter(t, llm)
	_, err := a.GenerateDetail(context.Background(), lastBooks()[0], "what is it about?")
	require.Error(t, err)
}
