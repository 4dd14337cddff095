// Package api exposes the HTTP surface: job creation, upload handling,
// status and transcript retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echoscribe/echoscribe/internal/blob"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/processing"
	"github.com/echoscribe/echoscribe/internal/queue"
	"github.com/echoscribe/echoscribe/internal/repository"
	"github.com/echoscribe/echoscribe/internal/signing"
)

// Server exposes HTTP endpoints for transcription jobs. issuer may be nil
// when the object storage backend cannot presign uploads (standalone mode).
type Server struct {
	cfg      *config.Config
	store    repository.Store
	blobs    blob.Store
	issuer   blob.HandleIssuer
	enqueuer queue.Enqueuer
	signer   *signing.Signer
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store repository.Store, blobs blob.Store, issuer blob.HandleIssuer, enqueuer queue.Enqueuer, signer *signing.Signer) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		issuer:   issuer,
		enqueuer: enqueuer,
		signer:   signer,
	}
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/transcriptions", s.handleTranscriptions)
	mux.HandleFunc("/transcriptions/", s.handleTranscriptionRoute)
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTranscriptionRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/transcriptions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	switch parts[0] {
	case "upload-url":
		s.handleUploadURL(w, r)
		return
	case "file":
		s.handleDirectUpload(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleStatus(w, r, id)
		return
	}
	switch parts[1] {
	case "text":
		s.handleTranscriptText(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type uploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// handleUploadURL issues a presigned PUT handle. No job record exists until
// the client comes back with the object key.
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.issuer == nil {
		http.Error(w, "presigned uploads not supported by this deployment", http.StatusNotImplemented)
		return
	}
	var req uploadURLRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Filename == "" {
		http.Error(w, "filename required", http.StatusBadRequest)
		return
	}
	if !blob.AllowedAudio(req.ContentType, req.Filename) {
		http.Error(w, "unsupported audio type", http.StatusUnsupportedMediaType)
		return
	}
	handle, err := s.issuer.IssueUploadHandle(r.Context(), req.Filename, req.ContentType, s.cfg.UploadURLTTL)
	if err != nil {
		log.Printf("issue upload handle: %v", err)
		http.Error(w, "failed to issue upload url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, handle)
}

type createRequest struct {
	AudioObjectKey string            `json:"audioObjectKey"`
	Filename       string            `json:"filename"`
	ContentType    string            `json:"contentType"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata"`
}

// handleCreate registers a job for audio that is already in object storage
// and enqueues the pointer message. An enqueue failure marks the record
// failed synchronously rather than leaving an orphaned pending job.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AudioObjectKey == "" || req.Filename == "" {
		http.Error(w, "audioObjectKey and filename required", http.StatusBadRequest)
		return
	}
	if !blob.AllowedAudio(req.ContentType, req.Filename) {
		http.Error(w, "unsupported audio type", http.StatusUnsupportedMediaType)
		return
	}
	source, err := parseSource(req.Source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exists, err := s.blobs.Exists(r.Context(), req.AudioObjectKey)
	if err != nil {
		log.Printf("check audio object: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if !exists {
		http.Error(w, "audio object not found", http.StatusBadRequest)
		return
	}
	s.createAndEnqueue(w, r.Context(), repository.CreateInput{
		ID:       uuid.NewString(),
		AudioKey: req.AudioObjectKey,
		Filename: req.Filename,
		Source:   source,
		Metadata: req.Metadata,
	})
}

// handleDirectUpload accepts the audio bytes themselves over multipart,
// stores them, then follows the same create+enqueue path.
func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	var (
		tmp    *tempUpload
		source = model.SourceWeb
		meta   = map[string]string{}
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "file":
			if tmp == nil {
				tmp, err = s.persistTemp(part)
				if err != nil {
					part.Close()
					http.Error(w, err.Error(), statusForUpload(err))
					return
				}
			}
			part.Close()
		case "source":
			val := readFormValue(part)
			if parsed, perr := parseSource(val); perr == nil {
				source = parsed
			}
		case "chat_id":
			if v := readFormValue(part); v != "" {
				meta["chat_id"] = v
			}
		default:
			part.Close()
		}
	}
	if tmp == nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !blob.AllowedAudio(tmp.contentType, tmp.filename) {
		http.Error(w, "unsupported audio type", http.StatusUnsupportedMediaType)
		return
	}
	objectKey := blob.AudioKey(tmp.filename, time.Now())
	data, err := os.ReadFile(tmp.path)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}
	if err := s.blobs.Put(ctx, objectKey, data, tmp.contentType); err != nil {
		log.Printf("store audio: %v", err)
		http.Error(w, "failed to store audio", http.StatusInternalServerError)
		return
	}
	s.createAndEnqueue(w, ctx, repository.CreateInput{
		ID:       uuid.NewString(),
		AudioKey: objectKey,
		Filename: tmp.filename,
		Source:   source,
		Metadata: meta,
	})
}

func (s *Server) createAndEnqueue(w http.ResponseWriter, ctx context.Context, in repository.CreateInput) {
	job, err := s.store.Create(ctx, in)
	if err != nil {
		log.Printf("create transcription: %v", err)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	if err := s.enqueuer.EnqueueTranscription(ctx, job.ID); err != nil {
		log.Printf("enqueue transcription %s: %v", job.ID, err)
		if mErr := s.store.MarkFailed(ctx, job.ID, processing.CodeQueueUnavailable, "failed to enqueue processing"); mErr != nil {
			log.Printf("mark enqueue failure %s: %v", job.ID, mErr)
		}
		http.Error(w, "failed to queue job", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"transcriptionId": job.ID,
		"status":          string(model.StatusPending),
	})
}

// statusResponse is the public projection of a job.
type statusResponse struct {
	ID            string              `json:"id"`
	Status        model.JobStatus     `json:"status"`
	Progress      int                 `json:"progress"`
	Filename      string              `json:"filename"`
	Preview       string              `json:"preview,omitempty"`
	TranscriptURL string              `json:"transcriptUrl,omitempty"`
	Error         *model.ErrorDetail  `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "transcription not found", http.StatusNotFound)
		return
	}
	resp := statusResponse{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Filename:    job.Filename,
		Preview:     job.Preview,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if job.Status == model.StatusCompleted {
		resp.TranscriptURL = s.transcriptURL(job.ID)
	}
	respondJSON(w, http.StatusOK, resp)
}

// transcriptURL builds a signed relative link valid for SignedURLTTL.
func (s *Server) transcriptURL(id string) string {
	expiry := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	signature := s.signer.Sign(id, expiry)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiry, 10))
	q.Set("signature", signature)
	return "/transcriptions/" + id + "/text?" + q.Encode()
}

func (s *Server) handleTranscriptText(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.signer.Validate(id, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "transcription not found", http.StatusNotFound)
		return
	}
	if job.Status != model.StatusCompleted || job.TranscriptText == nil {
		http.Error(w, "transcription not completed", http.StatusConflict)
		return
	}
	name := strings.TrimSuffix(job.Filename, "."+extOf(job.Filename)) + ".txt"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, *job.TranscriptText)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp streams one multipart part to a temp file while enforcing the
// size limit and sniffing the content type from the first 512 bytes.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "echoscribe-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, errFileTooLarge
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if ct := part.Header.Get("Content-Type"); ct != "" && strings.HasPrefix(ct, "audio/") {
		// Browsers label audio parts more precisely than sniffing does.
		contentType = ct
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.audio"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

var errFileTooLarge = errors.New("file exceeds the configured size limit")

func statusForUpload(err error) int {
	if errors.Is(err, errFileTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func readFormValue(part *multipart.Part) string {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseSource(raw string) (model.Source, error) {
	switch model.Source(raw) {
	case model.SourceWeb, "":
		return model.SourceWeb, nil
	case model.SourceChat:
		return model.SourceChat, nil
	default:
		return "", fmt.Errorf("unknown source %q", raw)
	}
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return ""
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
