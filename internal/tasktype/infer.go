// Package tasktype infers which model pool a request should draw from when
// the client does not pin a model.
package tasktype

import (
	"strings"

	"github.com/averis-ai/dispatch/internal/provider"
)

const (
	// Above this many characters of user text the request goes to the
	// research pool instead of the fast one.
	longPromptChars = 1000
	// Long multi-turn conversations also leave the fast pool.
	longConversationTurns = 6
)

// Infer picks a task type from the request shape: attachments first, then
// tool presence, then prompt length and turn count.
func Infer(req *provider.Request) provider.TaskType {
	for _, m := range req.Messages {
		if len(m.ImageURLs) > 0 {
			return provider.TaskVision
		}
		if hasAudioAttachment(m.Content) {
			return provider.TaskTranscription
		}
	}

	if len(req.Tools) > 0 {
		return provider.TaskCode
	}

	chars := 0
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "system" {
			chars += len(m.Content)
		}
	}
	if chars > longPromptChars || len(req.Messages) > longConversationTurns {
		return provider.TaskResearch
	}

	return provider.TaskFast
}

func hasAudioAttachment(content string) bool {
	// Clients reference uploaded audio by URL in the message body.
	lower := strings.ToLower(content)
	for _, ext := range []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}
