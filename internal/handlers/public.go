package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropshare/internal/logger"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PublishResponse is the response for POST /file/{slug}/publicize.
type PublishResponse struct {
	PublicSlug string `json:"publicSlug"`
	PublicURL  string `json:"public_url"`
	ProxyURL   string `json:"proxy_url"`
}

// Publicize handles POST /file/{slug}/publicize?user_id=
func (fh *FileHandler) Publicize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "publicize_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	slug := mux.Vars(r)["slug"]
	span.SetAttributes(attribute.String("slug", slug))

	file, err := fh.service.Publicize(ctx, slug, r.URL.Query().Get("user_id"))
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to publish file: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, PublishResponse{
		PublicSlug: file.PublicSlug,
		PublicURL:  "/public/" + file.PublicSlug,
		ProxyURL:   "/public-proxy/" + file.PublicSlug,
	})
}

// PublicHandler serves files through their public link slug
type PublicHandler struct {
	service *transfer.Service
	// embed marks the proxy variant: cross-origin and always inline.
	embed bool
}

// NewPublicHandler creates a handler for GET /public/{public_slug}
func NewPublicHandler(service *transfer.Service) *PublicHandler {
	return &PublicHandler{service: service}
}

// NewPublicProxyHandler creates a handler for GET /public-proxy/{public_slug},
// meant for embedding on other origins
func NewPublicProxyHandler(service *transfer.Service) *PublicHandler {
	return &PublicHandler{service: service, embed: true}
}

// ServeHTTP handles public link downloads
func (ph *PublicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "public_download",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	publicSlug := mux.Vars(r)["public_slug"]
	span.SetAttributes(
		attribute.String("public_slug", publicSlug),
		attribute.Bool("embed", ph.embed),
	)

	file, data, err := ph.service.PublicDownload(ctx, publicSlug)
	if err != nil {
		span.RecordError(err)
		writeError(w, errorStatus(err), fmt.Sprintf("failed to fetch public file: %v", err))
		return
	}

	if ph.embed {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeFileAs(w, file, data, "inline")
	} else {
		writeFile(w, file, data)
	}

	logger.Debug("public file served", zap.String("file_id", file.ID), zap.String("public_slug", publicSlug))
}
