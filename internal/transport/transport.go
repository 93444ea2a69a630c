// Package transport defines the boundary to the outbound provider client.
// The real network client lives outside the engine; the engine depends only
// on this interface and error taxonomy.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ErrorKind int

const (
	// KindTransient covers network failures, timeouts and provider
	// rate-limit signals; the dispatcher retries these with backoff.
	KindTransient ErrorKind = iota
	// KindPermanent covers invalid recipients and explicit block signals;
	// the dispatcher fails the message immediately.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified transport failure.
type Error struct {
	Kind   ErrorKind
	Code   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error (%s/%s): %s", e.Kind, e.Code, e.Detail)
}

func Transient(code, detail string) *Error {
	return &Error{Kind: KindTransient, Code: code, Detail: detail}
}

func Permanent(code, detail string) *Error {
	return &Error{Kind: KindPermanent, Code: code, Detail: detail}
}

// IsPermanent reports whether err carries a permanent transport failure.
// Anything else, including plain network errors, is treated as transient.
func IsPermanent(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindPermanent
}

// ChannelRef identifies the sending channel to the provider client.
type ChannelRef struct {
	ID         uuid.UUID
	Identifier string
}

type Result struct {
	ProviderMessageID string
}

// Client performs the provider calls. Send returns the provider message id
// on acceptance. Typing signals are best effort; implementations may no-op.
type Client interface {
	Send(ctx context.Context, channel ChannelRef, recipient, content, mediaURL string) (*Result, error)
	StartTyping(ctx context.Context, channel ChannelRef, recipient string) error
	StopTyping(ctx context.Context, channel ChannelRef, recipient string) error
}
