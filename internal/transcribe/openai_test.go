package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	o := NewOpenAI("test-key", "")
	o.endpoint = srv.URL
	return o
}

func TestTranscribeSendsMultipartRequest(t *testing.T) {
	o := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want default whisper-1", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "voice.ogg" {
			t.Errorf("filename = %q", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello from whisper"}`))
	})

	text, err := o.Transcribe(context.Background(), []byte("audio bytes"), "voice.ogg")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello from whisper" {
		t.Fatalf("text = %q", text)
	}
}

func TestTranscribeProviderError(t *testing.T) {
	o := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte(`{"error":{"message":"Maximum content size limit exceeded"}}`))
	})

	_, err := o.Transcribe(context.Background(), []byte("audio"), "big.mp3")
	var provider *ProviderError
	if !errors.As(err, &provider) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if provider.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", provider.StatusCode)
	}
	if provider.Body == "" {
		t.Fatalf("provider body not captured")
	}
}

func TestTranscribeUnreachableProvider(t *testing.T) {
	o := NewOpenAI("test-key", "whisper-1")
	o.endpoint = "http://127.0.0.1:1"
	_, err := o.Transcribe(context.Background(), []byte("audio"), "a.mp3")
	if err == nil {
		t.Fatalf("expected connection error")
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		t.Fatalf("network failure must not be a ProviderError")
	}
}
