// Package workers holds the queue consumers behind the webhook: invoice
// image extraction, query generation and export, and outbound delivery.
// Handlers return nil to acknowledge; a returned error drops the message
// without requeue, so only unrecoverable payloads propagate errors.
package workers

import (
	"context"
	"strings"

	"github.com/fintrak/fintrak/internal/extraction"
	"github.com/fintrak/fintrak/internal/invoices"
	"github.com/fintrak/fintrak/internal/objectstore"
)

// Narrow views of the concrete dependencies, so tests can fake them.

type objectStore interface {
	Put(ctx context.Context, ownerKey string, data []byte, kind objectstore.Kind) (string, error)
	Presign(ctx context.Context, pathOrURL string) (string, error)
	Delete(ctx context.Context, pathOrURL string) error
}

type mediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type modelClient interface {
	ExtractInvoice(ctx context.Context, mediaURL string) (*extraction.Record, error)
	GenerateQuery(ctx context.Context, request, ownerKey string) (string, error)
}

type invoiceStore interface {
	SaveExtraction(ctx context.Context, rec invoices.ExtractedRecord) error
	ExecuteQuery(ctx context.Context, stmt, ownerKey string) (*invoices.QueryResult, error)
}

type messageSender interface {
	Send(ctx context.Context, to, body string, mediaURLs []string) error
}

// identityOf strips the channel prefix from a sender address; database rows
// and generated queries are keyed by the bare number.
func identityOf(from string) string {
	return strings.TrimPrefix(from, "whatsapp:")
}
