// Package extraction adapts the OpenAI API to the two narrow capabilities
// the workers need: parsing an invoice image into a structured record, and
// turning a free-text request into a read-only SQL statement. Business
// rejections ("not an invoice", "unclear request") surface as nil results,
// not errors; errors mean the adapter itself failed.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fintrak/fintrak/internal/reliability"
)

// Record is the normalized output of invoice extraction. Fields the model
// could not read stay nil and persist as SQL NULLs.
type Record struct {
	InvoiceDate   *string  `json:"invoice_date"`
	Amount        *float64 `json:"amount"`
	Tax           *float64 `json:"tax"`
	Payee         *string  `json:"payee"`
	PaymentMethod *string  `json:"payment_method"`
}

const schemaDescription = `Schema:
users(identity PK, display_name, created_at),
invoices(id PK, identity FK -> users, invoice_date, amount, tax, payee, payment_method, raw_path, created_at),
queries(id PK, identity FK -> users, query_text, query_result, created_at)

All fields are lowercase and must be used exactly as defined. Do not make up columns.`

// completionsAPI is the minimal OpenAI surface required by Client.
// *openai.ChatCompletionService satisfies it; tests supply a fake.
type completionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client calls the model with bounded exponential backoff.
type Client struct {
	api   completionsAPI
	model string

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// New builds a Client from an API key.
func New(apiKey, model string) *Client {
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return newWithAPI(&oc.Chat.Completions, model)
}

func newWithAPI(api completionsAPI, model string) *Client {
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		api:         api,
		model:       model,
		maxAttempts: 5,
		backoffBase: time.Second,
		backoffCap:  16 * time.Second,
	}
}

// ExtractInvoice analyzes the image behind mediaURL. It returns (nil, nil)
// when the model reports the image is not an invoice or is inaccessible.
func (c *Client) ExtractInvoice(ctx context.Context, mediaURL string) (*Record, error) {
	system := "You are a document analysis assistant. Your task is to analyze the text in images, " +
		"specifically determining if the image contains an invoice, regardless of the document's language. " +
		"You must support multilingual invoices and extract relevant details in English in a structured JSON format. " +
		"If the image is not an invoice, return {\"error\": \"Not an invoice\"}. " +
		"If the image URL is invalid, inaccessible, or the download fails, return {\"error\": \"Invalid or inaccessible URL\"}. " +
		"Do not return null as the top-level response; always return a JSON object."
	user := "Analyze the image and extract any text. If the document is an invoice, return the extracted details " +
		"as a JSON object with exactly these keys: invoice_date (YYYY-MM-DD), amount, tax, payee, payment_method. " +
		"Do not guess missing fields; use null for fields that are not present. " +
		"If the image is not an invoice, return {\"error\": \"Not an invoice\"}. " +
		"Return JSON only, with no explanations."

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(user),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    mediaURL,
					Detail: "high",
				}),
			}),
		},
	}

	content, err := c.complete(ctx, params)
	if err != nil {
		return nil, err
	}

	fields, rejected, err := decodeObject(content)
	if err != nil {
		return nil, err
	}
	if rejected {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(fields, &rec); err != nil {
		return nil, fmt.Errorf("extraction: decode record: %w", err)
	}
	return &rec, nil
}

// GenerateQuery turns a free-text request into a SELECT statement scoped to
// ownerKey. It returns ("", nil) when the model reports the request is
// unclear. Callers must still validate the statement before execution.
func (c *Client) GenerateQuery(ctx context.Context, request, ownerKey string) (string, error) {
	system := "You are an expert PostgreSQL assistant. Generate an optimized SQL query for the user's request, " +
		"strictly following this database schema:\n\n" + schemaDescription + "\n\n" +
		"Ensure that identity is used as the key for filtering across all relevant tables. " +
		"Return your response only as valid JSON with a single key 'query' for success, " +
		"or 'error' with a reason for failure. Do not return null; always return a JSON object."
	user := fmt.Sprintf(`Generate a valid PostgreSQL SELECT statement for the request below.
- Filter with identity = '%s' in every relevant table.
- The query must only retrieve data relevant to the request; never modify data.
- Use created_at to sort by the most recent occurrence of stored information.
- If the request is unclear or too vague, return {"error": "Unclear request"}.
- Return JSON only: either {"query": "..."} or {"error": "..."}, no explanations.

User request: %s
User identity (filter key): %s`, ownerKey, request, ownerKey)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}

	content, err := c.complete(ctx, params)
	if err != nil {
		return "", err
	}

	fields, rejected, err := decodeObject(content)
	if err != nil {
		return "", err
	}
	if rejected {
		return "", nil
	}
	var out struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(fields, &out); err != nil {
		return "", fmt.Errorf("extraction: decode query: %w", err)
	}
	if strings.TrimSpace(out.Query) == "" {
		return "", nil
	}
	return strings.TrimSpace(out.Query), nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	var content string
	err := reliability.Do(ctx, c.maxAttempts, c.backoffBase, c.backoffCap, func(ctx context.Context) error {
		resp, err := c.api.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("extraction: empty completion")
		}
		content = resp.Choices[0].Message.Content
		return nil
	}, isRetryable)
	if err != nil {
		return "", fmt.Errorf("extraction: completion failed: %w", err)
	}
	return content, nil
}

func isRetryable(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return reliability.IsRetryableHTTPStatus(apierr.StatusCode)
	}
	// Transport-level failures (timeouts, connection resets) are retryable.
	return true
}

var fenceRe = regexp.MustCompile("```json|```")

// decodeObject strips code fences, parses the model output, and reports
// whether the model returned a business rejection ({"error": ...}).
func decodeObject(content string) (json.RawMessage, bool, error) {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(content, ""))
	if cleaned == "" {
		return nil, false, errors.New("extraction: empty model response")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, false, fmt.Errorf("extraction: response is not a JSON object: %w", err)
	}
	if _, ok := probe["error"]; ok {
		return nil, true, nil
	}
	return json.RawMessage(cleaned), false, nil
}
