package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"bookshop-agent/internal/domain"
	"bookshop-agent/internal/integrations/openai"
)

const topicPrompt = "Please analyze the user's message and determine if it is related to books " +
	"or bookshops. Set related to true if it is, and false if it is not."

const bookFollowupPrompt = `Analyze if the user's question is about one of the previously recommended books.
If yes, set matched to true and title to that book's exact title as listed.
If no, set matched to false and title to an empty string.`

const criteriaFollowupPrompt = `Analyze if the user's message is a follow-up request with specific criteria (like language, publisher, etc.).
Set followup to true if it is a follow-up with criteria, false if it is not.

Examples of follow-up criteria:
- "anything in Italian?"
- "from Mondadori publishing house?"
- "books in Spanish?"
- "anything from Penguin?"

Examples of non-follow-up:
- "tell me more about this book"
- "what's the price?"
- "who is the author?"`

func recommendationPrompt(criteria string) string {
	var b strings.Builder
	b.WriteString("You are a book recommendation assistant. Based on the user's query and conversation history, recommend 3 books.\n")
	if criteria != "" {
		fmt.Fprintf(&b, "Additional criteria: %s\n", criteria)
	}
	b.WriteString(`
Rules:
1. Always return exactly 3 books
2. Use realistic book titles and authors
3. Prices should be in euros
4. Summaries should be 1-2 sentences
5. For purchase links, provide links to Amazon.it and LaFeltrinelli.it, ISBN-based when possible
6. Consider the conversation history when making recommendations
7. If specific criteria are provided (like language or publisher), ensure all recommended books meet those criteria`)
	return b.String()
}

func detailPrompt(book domain.Book, query string) string {
	return fmt.Sprintf(`You are a knowledgeable bookseller. Provide detailed information about this book:
Title: %s
Author: %s
Summary: %s

The user asked: %s

Provide a detailed, informative response that directly addresses the user's question about this specific book.
Include relevant details about the book's themes, writing style, reception, and why it might interest the reader.
Keep the response concise but informative.`, book.Title, strings.Join(book.Author, ", "), book.Summary, query)
}

func linksPrompt(title string, author string) string {
	return fmt.Sprintf("How can I find the book '%s' by %s? "+
		"Please give me only the direct Amazon.it and lafeltrinelli.it links.", title, author)
}

// Output contracts, one strict schema per oracle operation.

type topicResult struct {
	Related bool `json:"related"`
}

type bookFollowupResult struct {
	Matched bool   `json:"matched"`
	Title   string `json:"title"`
}

type criteriaFollowupResult struct {
	Followup bool `json:"followup"`
}

type recommendationResult struct {
	Books []domain.Book `json:"books"`
}

type linksResult struct {
	Amazon        string `json:"amazon"`
	LaFeltrinelli string `json:"lafeltrinelli"`
}

func topicFormat() *openai.ResponseFormat {
	return openai.JSONSchemaFormat("topic_classification", json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"related":{"type":"boolean"}
		},
		"required":["related"]
	}`))
}

func bookFollowupFormat() *openai.ResponseFormat {
	return openai.JSONSchemaFormat("book_followup_match", json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"matched":{"type":"boolean"},
			"title":{"type":"string"}
		},
		"required":["matched","title"]
	}`))
}

func criteriaFollowupFormat() *openai.ResponseFormat {
	return openai.JSONSchemaFormat("criteria_followup", json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"followup":{"type":"boolean"}
		},
		"required":["followup"]
	}`))
}

func recommendationFormat() *openai.ResponseFormat {
	return openai.JSONSchemaFormat("book_recommendations", json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"books":{
				"type":"array",
				"items":{
					"type":"object",
					"additionalProperties":false,
					"properties":{
						"title":{"type":"string"},
						"author":{"type":"array","items":{"type":"string"}},
						"price":{"type":"number"},
						"summary":{"type":"string"},
						"purchase_links":{
							"type":"object",
							"additionalProperties":false,
							"properties":{
								"amazon":{"type":"string"},
								"lafeltrinelli":{"type":"string"}
							},
							"required":["amazon","lafeltrinelli"]
						}
					},
					"required":["title","author","price","summary","purchase_links"]
				}
			}
		},
		"required":["books"]
	}`))
}

func linksFormat() *openai.ResponseFormat {
	return openai.JSONSchemaFormat("purchase_links", json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"amazon":{"type":"string"},
			"lafeltrinelli":{"type":"string"}
		},
		"required":["amazon","lafeltrinelli"]
	}`))
}

// decodeStrict parses a single JSON value into v, rejecting unknown fields
// and trailing data.
func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("oracle: decode contract: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("oracle: decode contract: multiple JSON values")
		}
		return fmt.Errorf("oracle: decode contract trailing data: %w", err)
	}
	return nil
}

func historyToPromptMessages(history []domain.Message) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: string(m.Role), Content: text})
	}
	return msgs
}
