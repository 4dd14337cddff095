package processing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/echoscribe/echoscribe/internal/transcribe"
)

// Kind separates the retry policies in the error taxonomy: infra failures
// are retried by the transport, domain failures are terminal on first
// occurrence, fatal failures indicate a broken message or record.
type Kind string

const (
	KindInfra  Kind = "infra"
	KindDomain Kind = "domain"
	KindFatal  Kind = "fatal"
)

// Error codes persisted on failed jobs and used by the status API.
const (
	CodeNoSpeech           = "NO_SPEECH_DETECTED"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeUnsupportedMedia   = "UNSUPPORTED_MEDIA_TYPE"
	CodeAudioNotFound      = "AUDIO_NOT_FOUND"
	CodeTranscription      = "TRANSCRIPTION_FAILED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
	CodeInvalidState       = "INVALID_STATE"
	CodeNotFound           = "RECORD_NOT_FOUND"
)

// Failure is the classified pipeline error. The orchestrator persists
// Code/Message before propagating it, so job status stays observable even
// when the transport later drops the message.
type Failure struct {
	Code    string
	Message string
	Kind    Kind
	cause   error
}

func (f *Failure) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.cause }

// Retryable reports whether the transport should redeliver.
func (f *Failure) Retryable() bool { return f.Kind == KindInfra }

func newFailure(kind Kind, code, message string, cause error) *Failure {
	return &Failure{Code: code, Message: message, Kind: kind, cause: cause}
}

// classify maps an arbitrary transcription error onto the taxonomy. The
// heuristic mirrors what the providers actually return: API/network errors
// are infra, "no speech" and size complaints are domain.
func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var provider *transcribe.ProviderError
	if errors.As(err, &provider) {
		if provider.StatusCode == 413 || containsAny(provider.Body, "too large", "maximum content size") {
			return newFailure(KindDomain, CodeFileTooLarge, "audio exceeds the provider size limit", err)
		}
		if provider.StatusCode == 415 || containsAny(provider.Body, "unsupported", "invalid file format") {
			return newFailure(KindDomain, CodeUnsupportedMedia, "audio format not accepted by the provider", err)
		}
		return newFailure(KindInfra, CodeTranscription, "transcription provider error", err)
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "no speech"):
		return newFailure(KindDomain, CodeNoSpeech, "no speech detected in audio", err)
	case containsAny(msg, "too large", "file size"):
		return newFailure(KindDomain, CodeFileTooLarge, "audio exceeds the size limit", err)
	case containsAny(msg, "openai", "api", "connection", "timeout", "unavailable"):
		return newFailure(KindInfra, CodeTranscription, "transcription provider error", err)
	default:
		return newFailure(KindInfra, CodeTranscription, "transcription failed", err)
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
