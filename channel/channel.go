// Package channel holds the outbound senders for each supported channel
// and the error taxonomy the dispatcher retries on.
package channel

import (
	"context"
	"errors"
	"fmt"

	"leadflow/models"
)

// Message is one outbound send, already rendered for its channel.
type Message struct {
	Channel string
	To      string
	Subject string
	Body    string

	// MessageID is pre-assigned by the dispatcher so the send can be
	// correlated even if the provider response is lost.
	MessageID string
}

// Sender delivers one message on one channel. Implementations return the
// provider-assigned message id on success.
type Sender interface {
	Send(ctx context.Context, msg Message) (externalID string, err error)
}

// TransientError marks a failure worth retrying: timeouts, throttling,
// provider hiccups.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will never succeed on retry: invalid
// address, rejected content, hard bounce at submission time.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether a send error should fail the row outright.
// Errors without a classification are treated as transient so a flaky
// provider never burns a lead.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps channels onto their senders.
type Registry map[string]Sender

// ForChannel returns the sender for a channel, or a permanent error if the
// channel has no configured sender.
func (r Registry) ForChannel(ch string) (Sender, error) {
	s, ok := r[ch]
	if !ok {
		return nil, Permanent(fmt.Errorf("no sender configured for channel %q", ch))
	}
	return s, nil
}

// Render produces the outbound message for one delivery row. Content is
// taken from the campaign as configured; rendering templates into it is the
// caller application's job, not the engine's.
func Render(campaign *models.Campaign, lead *models.Lead, ch, messageID string) (Message, error) {
	to := lead.AddressForChannel(ch)
	if to == "" {
		return Message{}, Permanent(fmt.Errorf("lead %d has no %s address", lead.ID, ch))
	}
	subject, body := campaign.MessageForChannel(ch)
	return Message{
		Channel:   ch,
		To:        to,
		Subject:   subject,
		Body:      body,
		MessageID: messageID,
	}, nil
}
