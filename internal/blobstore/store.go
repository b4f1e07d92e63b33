// Package blobstore adapts external object services into a uniform store
// for file chunks. Adapters never retry: every Store call consumes upstream
// quota, so retry policy belongs to the caller.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropshare-blobstore")

var (
	// ErrRemoteUnavailable means the external service rejected the call or
	// could not be reached.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrObjectNotFound means the object no longer exists upstream.
	ErrObjectNotFound = errors.New("remote object not found")
)

// Store is the chunk store adapter contract.
type Store interface {
	// Store uploads data and returns references to the stored object.
	Store(ctx context.Context, data []byte, name, mimetype string) (models.RemoteRef, error)
	// Resolve turns an object reference into a short-lived fetch locator.
	// Locators must not be cached or persisted.
	Resolve(ctx context.Context, objectRef string) (string, error)
	// Fetch downloads the bytes behind a locator.
	Fetch(ctx context.Context, locator string) ([]byte, error)
	// Delete removes the object identified by its location reference.
	Delete(ctx context.Context, locationRef string) error
}

// fetchURL downloads a locator over HTTP, mapping 404 to ErrObjectNotFound
// and every other failure to ErrRemoteUnavailable.
func fetchURL(ctx context.Context, client *http.Client, locator string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "blobstore.fetch",
		trace.WithAttributes(
			attribute.String("locator.scheme", schemeOf(locator)),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Drop the URL from the error, locators may embed credentials.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%w: fetch: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrObjectNotFound
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("%w: fetch returned status %d", ErrRemoteUnavailable, resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: read body: %v", ErrRemoteUnavailable, err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// schemeOf keeps credentials embedded in locator URLs out of span attributes.
func schemeOf(locator string) string {
	scheme, _, _ := strings.Cut(locator, ":")
	return scheme
}
