package blob

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// allowedAudioTypes is the MIME allow-list for uploads. Broad containers
// like audio/webm cover browser MediaRecorder output.
var allowedAudioTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/mp4":   true,
	"audio/m4a":   true,
	"audio/x-m4a": true,
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/wave":  true,
	"audio/ogg":   true,
	"audio/webm":  true,
	"audio/flac":  true,
	"audio/x-flac": true,
	"audio/aac":   true,
}

// allowedAudioExts backs up the MIME check for clients that send a generic
// content type but a recognizable file name.
var allowedAudioExts = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".mp4":  true,
	".wav":  true,
	".ogg":  true,
	".oga":  true,
	".webm": true,
	".flac": true,
	".aac":  true,
}

// AllowedAudio reports whether the content type, or failing that the file
// extension, identifies a supported audio format.
func AllowedAudio(contentType, fileName string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if allowedAudioTypes[ct] {
		return true
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	return allowedAudioExts[ext]
}

// AudioKey derives the object key for a fresh upload:
// audio/{yyyy}/{mm}/{dd}/{uuid}-{sanitizedFileName}.
func AudioKey(fileName string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("audio/%04d/%02d/%02d/%s-%s",
		now.Year(), now.Month(), now.Day(), uuid.NewString(), SanitizeFileName(fileName))
}

// TranscriptKey derives the deterministic output key for a job:
// transcripts/{yyyy}/{mm}/{dd}/{jobID}.txt.
func TranscriptKey(jobID string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("transcripts/%04d/%02d/%02d/%s.txt",
		now.Year(), now.Month(), now.Day(), jobID)
}

const maxSanitizedLen = 80

// SanitizeFileName strips path components and anything outside
// [a-zA-Z0-9._-] so the name is safe inside an object key.
func SanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		out = "audio"
	}
	if len(out) > maxSanitizedLen {
		out = out[len(out)-maxSanitizedLen:]
	}
	return out
}
