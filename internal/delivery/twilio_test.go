package delivery

import (
	"context"
	"errors"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	status string
	err    error
	params *api.CreateMessageParams
}

func (f *fakeCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Message{Status: &f.status}, nil
}

func TestSendAcceptedStatuses(t *testing.T) {
	for _, status := range []string{"queued", "sent", "delivered", "Queued"} {
		creator := &fakeCreator{status: status}
		s := newWithAPI(creator, "whatsapp:+14155238886")
		if err := s.Send(context.Background(), "whatsapp:+306912345678", "hi", nil); err != nil {
			t.Fatalf("Send() with status %q error = %v", status, err)
		}
	}
}

func TestSendRejectedStatus(t *testing.T) {
	creator := &fakeCreator{status: "failed"}
	s := newWithAPI(creator, "whatsapp:+14155238886")
	if err := s.Send(context.Background(), "whatsapp:+306912345678", "hi", nil); err == nil {
		t.Fatalf("Send() expected error for failed status")
	}
}

func TestSendPropagatesAPIError(t *testing.T) {
	creator := &fakeCreator{err: errors.New("429 too many requests")}
	s := newWithAPI(creator, "whatsapp:+14155238886")
	if err := s.Send(context.Background(), "whatsapp:+306912345678", "hi", nil); err == nil {
		t.Fatalf("Send() expected error")
	}
}

func TestSendSetsMediaURLs(t *testing.T) {
	creator := &fakeCreator{status: "queued"}
	s := newWithAPI(creator, "whatsapp:+14155238886")
	media := []string{"https://s3/report.xlsx"}
	if err := s.Send(context.Background(), "whatsapp:+306912345678", "report attached", media); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if creator.params.MediaUrl == nil || len(*creator.params.MediaUrl) != 1 {
		t.Fatalf("MediaUrl not set: %+v", creator.params.MediaUrl)
	}
}
