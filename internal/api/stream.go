package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/hlog"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/relay"
)

const maxAttachmentText = 20000

type sendRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Anonymous      bool   `json:"anonymous"`
	DeepSearch     bool   `json:"deep_search"`
	LabMode        bool   `json:"lab_mode"`
}

func (req sendRequest) toJobRequest(attachments []jobs.Attachment) jobs.Request {
	return jobs.Request{
		ConversationID: strings.TrimSpace(req.ConversationID),
		UserID:         strings.TrimSpace(req.UserID),
		Anonymous:      req.Anonymous,
		Content:        req.Content,
		Mode:           jobs.Mode{DeepSearch: req.DeepSearch || req.LabMode, LabMode: req.LabMode},
		Attachments:    attachments,
	}
}

// parseSendRequest accepts a JSON body or a multipart form with optional
// "files" parts. Only text attachments contribute their contents.
func (s *Server) parseSendRequest(w http.ResponseWriter, r *http.Request) (jobs.Request, error) {
	limit := int64(s.cfg.MaxUploadBytes)
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return jobs.Request{}, fmt.Errorf("%w: %w", jobs.ErrInvalidRequest, err)
		}
		return req.toJobRequest(nil), nil
	}

	if err := r.ParseMultipartForm(limit); err != nil {
		return jobs.Request{}, fmt.Errorf("%w: %w", jobs.ErrInvalidRequest, err)
	}
	req := sendRequest{
		Content:        r.FormValue("content"),
		ConversationID: r.FormValue("conversation_id"),
		UserID:         r.FormValue("user_id"),
		Anonymous:      formBool(r.FormValue("anonymous")),
		DeepSearch:     formBool(r.FormValue("deep_search")),
		LabMode:        formBool(r.FormValue("lab_mode")),
	}
	var attachments []jobs.Attachment
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			attachment, err := readAttachment(header)
			if err != nil {
				return jobs.Request{}, fmt.Errorf("%w: %w", jobs.ErrInvalidRequest, err)
			}
			attachments = append(attachments, attachment)
		}
	}
	return req.toJobRequest(attachments), nil
}

func readAttachment(header *multipart.FileHeader) (jobs.Attachment, error) {
	contentType := header.Header.Get("Content-Type")
	attachment := jobs.Attachment{Name: header.Filename, ContentType: contentType}
	if !strings.HasPrefix(contentType, "text/") && contentType != "application/json" {
		return attachment, nil
	}
	file, err := header.Open()
	if err != nil {
		return attachment, fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxAttachmentText))
	if err != nil {
		return attachment, fmt.Errorf("read %s: %w", header.Filename, err)
	}
	if utf8.Valid(data) {
		attachment.Text = string(data)
	}
	return attachment, nil
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ndjsonWriter writes one JSON object per line and flushes after each. Once
// a write fails every later write fails too. Each write carries its own
// deadline so a client that stops reading cannot hold a session.
type ndjsonWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	rc      *http.ResponseController
	timeout time.Duration
	err     error
}

var errStreamClosed = errors.New("stream closed")

func newNDJSONWriter(w http.ResponseWriter, flusher http.Flusher, timeout time.Duration) *ndjsonWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &ndjsonWriter{w: w, flusher: flusher, rc: http.NewResponseController(w), timeout: timeout}
}

func (n *ndjsonWriter) WriteEvent(line []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.timeout > 0 {
		if err := n.rc.SetWriteDeadline(time.Now().Add(n.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			n.err = err
			return err
		}
	}
	if _, err := n.w.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		n.err = err
		return err
	}
	n.flusher.Flush()
	return nil
}

// Close waits for an in-flight write and rejects later ones. It must be
// called before the handler returns.
func (n *ndjsonWriter) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err == nil {
		n.err = errStreamClosed
	}
}

func (n *ndjsonWriter) WritePayload(payload events.Payload) error {
	line, err := events.Encode(payload)
	if err != nil {
		return err
	}
	return n.WriteEvent(line)
}

type streamMetadata struct {
	ConversationID  string
	JobID           string
	UserMessageID   string
	NewConversation bool
	DeepSearch      bool
	LabMode         bool
}

func metadataPayload(meta streamMetadata) events.Progress {
	fields := map[string]any{
		"conversation_id":  meta.ConversationID,
		"user_message_id":  meta.UserMessageID,
		"new_conversation": meta.NewConversation,
		"deep_search":      meta.DeepSearch,
		"lab_mode":         meta.LabMode,
	}
	if meta.JobID != "" {
		fields["job_id"] = meta.JobID
	}
	return events.Progress{Type: events.KindMetadata, Fields: fields}
}

func (s *Server) sendStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	req, err := s.parseSendRequest(w, r)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	if !s.allowAnonymous(r, req) {
		writer := newNDJSONWriter(w, flusher, s.cfg.WSSendTimeout)
		defer writer.Close()
		_ = writer.WriteEvent(limitReachedLine())
		_ = writer.WriteEvent(events.DoneLine())
		return
	}
	if !req.Mode.DeepSearch {
		s.streamChat(w, r, flusher, req)
		return
	}

	dispatched, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	writer := newNDJSONWriter(w, flusher, s.cfg.WSSendTimeout)
	defer writer.Close()
	_ = writer.WritePayload(metadataPayload(streamMetadata{
		ConversationID:  dispatched.ConversationID,
		JobID:           dispatched.JobID,
		UserMessageID:   dispatched.UserMessage.ID,
		NewConversation: dispatched.NewConversation,
		DeepSearch:      dispatched.Mode.DeepSearch,
		LabMode:         dispatched.Mode.LabMode,
	}))

	// The session outlives the client so the turn is always persisted.
	session := relay.NewSession(s.relayDeps(), dispatched, writer)
	outcome := session.Run(context.WithoutCancel(r.Context()))
	s.log.Info().
		Str("job_id", dispatched.JobID).
		Str("status", outcome.Status).
		Bool("client_gone", outcome.ClientGone).
		Msg("stream finished")
}

// allowAnonymous counts the request against the client's daily allowance
// when it carries no user. Limiter failures let the request through.
func (s *Server) allowAnonymous(r *http.Request, req jobs.Request) bool {
	if s.quota == nil || (!req.Anonymous && req.UserID != "") {
		return true
	}
	ip := clientIP(r)
	allowed, remaining, err := s.quota.Allow(r.Context(), ip)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("client_ip", ip).Msg("anonymous quota check failed")
		return true
	}
	if !allowed {
		hlog.FromRequest(r).Info().Str("client_ip", ip).Msg("anonymous daily limit reached")
		return false
	}
	hlog.FromRequest(r).Debug().Str("client_ip", ip).Int("remaining", remaining).Msg("anonymous request admitted")
	return true
}

func limitReachedLine() []byte {
	line, _ := json.Marshal(map[string]any{
		"type":          events.KindError,
		"message":       quota.LimitReachedMessage,
		"limit_reached": true,
		"remaining":     0,
	})
	return line
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, jobs.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, "failed to start request", http.StatusInternalServerError)
	}
}
