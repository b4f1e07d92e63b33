package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropshare/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Service *transfer.Service
	// Drops backs the "my drops" listing; nil disables those routes.
	Drops     DropStore
	MaxUpload int64
}

// NewRouter registers every route, each wrapped in an otelhttp handler.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	traced := func(h http.Handler, op string) http.Handler {
		return otelhttp.NewHandler(h, op)
	}

	files := NewFileHandler(cfg.Service, cfg.Drops)

	uploads := NewUploadHandler(cfg.Service, cfg.Drops, cfg.MaxUpload)
	router.Handle("/upload", traced(uploads, "POST /upload")).Methods("POST")
	router.Handle("/upload-auto", traced(uploads, "POST /upload-auto")).Methods("POST")
	router.Handle("/upload-chunk", traced(NewChunkHandler(cfg.Service, cfg.Drops, cfg.MaxUpload), "POST /upload-chunk")).Methods("POST")
	router.Handle("/write", traced(NewWriteHandler(cfg.Service, cfg.MaxUpload), "PUT /write")).Methods("PUT")
	router.Handle("/read/{file_id}", traced(NewReadHandler(cfg.Service), "GET /read/{file_id}")).Methods("GET")
	router.Handle("/download/{slug}", traced(NewDownloadHandler(cfg.Service), "GET /download/{slug}")).Methods("GET")
	router.Handle("/note-content/{slug}", traced(NewNoteHandler(cfg.Service), "GET /note-content/{slug}")).Methods("GET")
	router.Handle("/file/{slug}", traced(http.HandlerFunc(files.Info), "GET /file/{slug}")).Methods("GET")
	router.Handle("/file/{slug}", traced(http.HandlerFunc(files.Delete), "DELETE /file/{slug}")).Methods("DELETE")
	router.Handle("/file/{slug}/publicize", traced(http.HandlerFunc(files.Publicize), "POST /file/{slug}/publicize")).Methods("POST")
	router.Handle("/public/{public_slug}", traced(NewPublicHandler(cfg.Service), "GET /public/{public_slug}")).Methods("GET")
	router.Handle("/public-proxy/{public_slug}", traced(NewPublicProxyHandler(cfg.Service), "GET /public-proxy/{public_slug}")).Methods("GET")

	if cfg.Drops != nil {
		drops := NewDropsHandler(cfg.Drops)
		router.Handle("/mydrops", traced(http.HandlerFunc(drops.List), "GET /mydrops")).Methods("GET")
		router.Handle("/mydrops/{slug}", traced(http.HandlerFunc(drops.Remove), "DELETE /mydrops/{slug}")).Methods("DELETE")
	}

	return router
}
