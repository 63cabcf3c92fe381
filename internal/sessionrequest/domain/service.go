package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound            = errors.New("request_not_found")
	ErrSelfRequest         = errors.New("self_request_not_allowed")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrDuplicateRequest    = errors.New("duplicate_request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyResolved     = errors.New("request_already_resolved")
	ErrExpired             = errors.New("request_expired")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInvalidMediaType    = errors.New("invalid_media_type")
)

// RequestInput carries everything needed to open a request and its
// backing session in one shot.
type RequestInput struct {
	RequesterID   snowflake.ID
	ProviderID    snowflake.ID
	Kind          string
	MediaType     string
	RatePerMinute int64
	Currency      string
}

// Service brokers consultation requests between users and providers:
// creation with guards, provider accept/reject, requester cancel, and
// timed expiry. All resolution paths are first-writer-wins.
type Service interface {
	Request(ctx context.Context, in RequestInput) (*SessionRequest, error)
	Accept(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*SessionRequest, error)
	Reject(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*SessionRequest, error)
	Cancel(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*SessionRequest, error)
	Get(ctx context.Context, id snowflake.ID) (*SessionRequest, error)
}
