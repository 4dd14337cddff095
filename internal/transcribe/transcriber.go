// Package transcribe defines the speech-to-text capability the pipeline
// consumes, plus the OpenAI-backed implementation.
package transcribe

import (
	"context"
)

// Transcriber converts audio bytes into plain text. The file name carries
// the container format hint to the provider. Implementations may return
// provider-specific errors; classification happens in the pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string) (string, error)
}
