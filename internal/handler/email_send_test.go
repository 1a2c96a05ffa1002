package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"job-queue-service/internal/handler"
)

type fakeSender struct {
	sent []*mail.Msg
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg *mail.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestEmailSend_Sends(t *testing.T) {
	sender := &fakeSender{}
	h := handler.NewEmailSend("noreply@example.com", sender)
	id := uuid.New()

	res := h.Handle(context.Background(), handler.Task{
		JobID:   id,
		Type:    string(handler.TypeEmailSend),
		Payload: json.RawMessage(`{"to":"a@b.c","subject":"hi","body":"hello"}`),
	})
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	want := "<" + id.String() + "@example.com>"
	if out.MessageID != want {
		t.Fatalf("expected messageId %q, got %q", want, out.MessageID)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if to := msg.GetToString(); len(to) != 1 || to[0] != "<a@b.c>" {
		t.Fatalf("unexpected recipients %#v", to)
	}
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "hi" {
		t.Fatalf("unexpected subject %#v", subj)
	}
	if mid := msg.GetGenHeader(mail.HeaderMessageID); len(mid) != 1 || mid[0] != want {
		t.Fatalf("unexpected Message-ID header %#v", mid)
	}
}

func TestEmailSend_MissingFields(t *testing.T) {
	sender := &fakeSender{}
	h := handler.NewEmailSend("noreply@example.com", sender)

	for _, payload := range []string{`{}`, `{"to":"a@b.c"}`, `{"to":"a@b.c","subject":"hi"}`, `{"subject":"hi","body":"x"}`} {
		res := h.Handle(context.Background(), handler.Task{JobID: uuid.New(), Payload: json.RawMessage(payload)})
		if res.OK() {
			t.Fatalf("payload %s: expected failure", payload)
		}
		if res.Message() != "payload must include to, subject, and body" {
			t.Fatalf("payload %s: unexpected message %q", payload, res.Message())
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestEmailSend_SenderErrorIsFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	h := handler.NewEmailSend("noreply@example.com", sender)

	res := h.Handle(context.Background(), handler.Task{
		JobID:   uuid.New(),
		Payload: json.RawMessage(`{"to":"a@b.c","subject":"hi","body":"hello"}`),
	})
	if res.OK() || res.Message() != "connection refused" {
		t.Fatalf("expected sender error, got %+v", res)
	}
}
