package repository

import (
	"context"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

// ExternalSource is the opaque upstream extraction service.
type ExternalSource interface {
	// FetchDescriptor returns metadata and time-limited direct links.
	// Fails with model.ErrNotFound or model.ErrUpstreamUnavailable.
	FetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error)

	// FetchBytes opens a direct link. rangeHeader is forwarded verbatim when
	// non-empty and the upstream's partial response is relayed.
	// Caller is responsible for closing the returned stream body.
	FetchBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error)

	// HeadBytes reports what FetchBytes would return without transferring
	// the body. The returned stream has an empty body.
	HeadBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error)
}
