package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maneesh/dropshare/internal/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TelegramClient stores objects as documents posted to a Telegram channel
// through the bot API. The object reference is the Telegram file_id and the
// location reference is the channel message_id.
type TelegramClient struct {
	httpClient *http.Client
	apiURL     string
	token      string
	channelID  string
}

// NewTelegramClient creates a bot API client posting to channelID.
func NewTelegramClient(apiURL, token, channelID string, timeout time.Duration) (*TelegramClient, error) {
	if token == "" || channelID == "" {
		return nil, errors.New("telegram token and channel id are required")
	}
	return &TelegramClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiURL:    strings.TrimRight(apiURL, "/"),
		token:     token,
		channelID: channelID,
	}, nil
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type telegramFile struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
}

type telegramMessage struct {
	MessageID int64          `json:"message_id"`
	Document  *telegramFile  `json:"document"`
	Video     *telegramFile  `json:"video"`
	Audio     *telegramFile  `json:"audio"`
	Photo     []telegramFile `json:"photo"`
}

func (m *telegramMessage) file() *telegramFile {
	switch {
	case m.Document != nil:
		return m.Document
	case m.Video != nil:
		return m.Video
	case m.Audio != nil:
		return m.Audio
	case len(m.Photo) > 0:
		return &m.Photo[len(m.Photo)-1]
	}
	return nil
}

// Store posts data as a document. Documents are delivered byte-for-byte,
// unlike photos which Telegram recompresses.
func (tc *TelegramClient) Store(ctx context.Context, data []byte, name, mimetype string) (models.RemoteRef, error) {
	ctx, span := tracer.Start(ctx, "telegram.send_document",
		trace.WithAttributes(
			attribute.String("file_name", name),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", tc.channelID); err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to write form: %w", err)
	}

	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, escapeQuotes(name)))
	header.Set("Content-Type", mimetype)
	part, err := writer.CreatePart(header)
	if err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to write form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return models.RemoteRef{}, fmt.Errorf("failed to close form: %w", err)
	}

	var msg telegramMessage
	if err := tc.call(ctx, "sendDocument", writer.FormDataContentType(), &body, &msg); err != nil {
		span.RecordError(err)
		return models.RemoteRef{}, err
	}

	file := msg.file()
	if file == nil || file.FileID == "" {
		err := fmt.Errorf("%w: sendDocument returned no file", ErrRemoteUnavailable)
		span.RecordError(err)
		return models.RemoteRef{}, err
	}

	ref := models.RemoteRef{
		ObjectRef:   file.FileID,
		LocationRef: strconv.FormatInt(msg.MessageID, 10),
	}
	span.SetAttributes(attribute.String("message_id", ref.LocationRef))
	return ref, nil
}

// Resolve asks getFile for the file path and builds the download URL. The
// URL embeds the bot token and is valid for about an hour.
func (tc *TelegramClient) Resolve(ctx context.Context, objectRef string) (string, error) {
	ctx, span := tracer.Start(ctx, "telegram.get_file")
	defer span.End()

	form := url.Values{"file_id": {objectRef}}
	var file telegramFile
	err := tc.call(ctx, "getFile", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &file)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("%w: getFile returned no path", ErrObjectNotFound)
	}

	return fmt.Sprintf("%s/file/bot%s/%s", tc.apiURL, tc.token, file.FilePath), nil
}

// Fetch downloads a resolved file URL.
func (tc *TelegramClient) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return fetchURL(ctx, tc.httpClient, locator)
}

// Delete removes the channel message holding the document.
func (tc *TelegramClient) Delete(ctx context.Context, locationRef string) error {
	ctx, span := tracer.Start(ctx, "telegram.delete_message",
		trace.WithAttributes(
			attribute.String("message_id", locationRef),
		),
	)
	defer span.End()

	form := url.Values{"chat_id": {tc.channelID}, "message_id": {locationRef}}
	var deleted bool
	err := tc.call(ctx, "deleteMessage", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &deleted)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: deleteMessage returned false", ErrRemoteUnavailable)
	}
	return nil
}

// call invokes a bot API method and decodes its result into out.
func (tc *TelegramClient) call(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", tc.apiURL, tc.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		// The error text carries the request URL, which includes the token.
		return fmt.Errorf("%w: %s request failed", ErrRemoteUnavailable, method)
	}
	defer resp.Body.Close()

	var envelope telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %s: status %d, undecodable body", ErrRemoteUnavailable, method, resp.StatusCode)
	}

	if !envelope.OK {
		base := ErrRemoteUnavailable
		if method == "getFile" && envelope.ErrorCode == http.StatusBadRequest {
			base = ErrObjectNotFound
		}
		return fmt.Errorf("%w: %s: %s", base, method, envelope.Description)
	}

	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: %s: bad result: %v", ErrRemoteUnavailable, method, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
