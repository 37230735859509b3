// Package delivery sends outbound WhatsApp messages through Twilio.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// successStatuses are the provider statuses that count as accepted for
// delivery. Anything else is treated as a failed attempt.
var successStatuses = map[string]struct{}{
	"queued": {}, "sent": {}, "delivered": {},
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Sender submits messages from one WhatsApp-enabled number.
type Sender struct {
	api  messageCreator
	from string
}

// NewSender authenticates with the account SID and token. from must be a
// "whatsapp:"-prefixed number.
func NewSender(accountSID, authToken, from string) *Sender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newWithAPI(client.Api, from)
}

func newWithAPI(creator messageCreator, from string) *Sender {
	return &Sender{api: creator, from: from}
}

// Send submits one message. The context bounds only local work; Twilio's
// REST client manages its own request deadline.
func (s *Sender) Send(ctx context.Context, to, body string, mediaURLs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)
	if len(mediaURLs) > 0 {
		params.SetMediaUrl(mediaURLs)
	}

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("delivery: create message: %w", err)
	}
	if resp.Status == nil {
		return fmt.Errorf("delivery: provider returned no status")
	}
	status := strings.ToLower(*resp.Status)
	if _, ok := successStatuses[status]; !ok {
		return fmt.Errorf("delivery: message not accepted, status %q", status)
	}
	return nil
}
