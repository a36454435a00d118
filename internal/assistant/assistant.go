package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
)

// fallbackConfidence caps the score whenever the answer had to be scraped
// out of free text or a command tripped the dangerous classifier.
const fallbackConfidence = 0.6

// AssistantError covers provider failures and unusable responses. The
// session stays up; the caller renders it as a degraded answer.
type AssistantError struct {
	Provider string
	Err      error
}

func (e *AssistantError) Error() string {
	return fmt.Sprintf("assistant provider %s: %v", e.Provider, e.Err)
}

func (e *AssistantError) Unwrap() error { return e.Err }

// Result is the bridge's answer to a translate or explain request.
type Result struct {
	Commands    []string `json:"commands"`
	Explanation string   `json:"explanation"`
	Warnings    []string `json:"warnings"`
	Confidence  float64  `json:"confidence"`
}

// Bridge translates natural language to shell commands and explains
// commands, via one configured text-generation provider.
type Bridge struct {
	provider Provider
	db       *gorm.DB
}

// New selects the provider from configuration: AI_PROVIDER wins, otherwise
// whichever API key is present, Anthropic first. Returns nil when no
// credential is configured; the gateway then runs with assistant features
// off.
func New(cfg *config.Settings, db *gorm.DB) *Bridge {
	var p Provider
	switch {
	case cfg.AIProvider == "anthropic" && cfg.AnthropicAPIKey != "":
		p = &anthropicProvider{apiKey: cfg.AnthropicAPIKey, baseURL: anthropicBaseURL}
	case cfg.AIProvider == "openai" && cfg.OpenAIAPIKey != "":
		p = &openaiProvider{apiKey: cfg.OpenAIAPIKey, baseURL: openaiBaseURL}
	case cfg.AnthropicAPIKey != "":
		p = &anthropicProvider{apiKey: cfg.AnthropicAPIKey, baseURL: anthropicBaseURL}
	case cfg.OpenAIAPIKey != "":
		p = &openaiProvider{apiKey: cfg.OpenAIAPIKey, baseURL: openaiBaseURL}
	default:
		return nil
	}
	return &Bridge{provider: p, db: db}
}

const translateSystem = `You translate natural-language requests into shell commands for a remote Linux host.
Respond with a single JSON object: {"commands": ["..."], "explanation": "...", "confidence": 0.0-1.0}.
Prefer one command; use several only when strictly required. No markdown, no prose outside the JSON.`

const explainSystem = `You explain shell commands to an operator about to run them on a remote Linux host.
Respond with a single JSON object: {"commands": [], "explanation": "...", "confidence": 0.0-1.0}.
Mention destructive effects explicitly. No markdown, no prose outside the JSON.`

// Translate turns a natural-language prompt into shell commands.
func (b *Bridge) Translate(ctx context.Context, userID string, sessionID *string, prompt, termContext string) (*Result, error) {
	user := prompt
	if termContext != "" {
		user = fmt.Sprintf("Recent terminal context:\n%s\n\nRequest: %s", termContext, prompt)
	}
	return b.run(ctx, userID, sessionID, prompt, translateSystem, user)
}

// Explain describes what a command does and what can go wrong.
func (b *Bridge) Explain(ctx context.Context, userID string, sessionID *string, command string) (*Result, error) {
	return b.run(ctx, userID, sessionID, command, explainSystem, "Explain this command: "+command)
}

func (b *Bridge) run(ctx context.Context, userID string, sessionID *string, prompt, system, user string) (*Result, error) {
	raw, err := b.provider.Complete(ctx, system, user)
	if err != nil {
		return nil, &AssistantError{Provider: b.provider.Name(), Err: err}
	}

	result := parseResponse(raw)
	annotateDangerous(result)
	b.record(userID, sessionID, prompt, raw, result)
	return result, nil
}

// parseResponse decodes the expected JSON object, unwrapping one level of
// markdown fencing if present. Free-text answers fall back to fenced code
// block extraction at reduced confidence.
func parseResponse(raw string) *Result {
	candidate := strings.TrimSpace(raw)
	if inner, ok := stripFence(candidate); ok {
		candidate = inner
	}

	var r Result
	if err := json.Unmarshal([]byte(candidate), &r); err == nil && (len(r.Commands) > 0 || r.Explanation != "") {
		if r.Warnings == nil {
			r.Warnings = []string{}
		}
		if r.Confidence < 0 {
			r.Confidence = 0
		} else if r.Confidence > 1 {
			r.Confidence = 1
		}
		return &r
	}

	commands := extractFencedCommands(raw)
	return &Result{
		Commands:    commands,
		Explanation: strings.TrimSpace(fenceRe.ReplaceAllString(raw, "")),
		Warnings:    []string{},
		Confidence:  fallbackConfidence,
	}
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")

// stripFence unwraps a response that is exactly one fenced block.
func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	m := fenceRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// extractFencedCommands pulls non-empty lines out of every fenced code
// block in a free-text answer.
func extractFencedCommands(raw string) []string {
	var commands []string
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			commands = append(commands, line)
		}
	}
	if commands == nil {
		commands = []string{}
	}
	return commands
}

// annotateDangerous appends an operator warning for each high-risk command
// and clamps confidence.
func annotateDangerous(r *Result) {
	for _, cmd := range r.Commands {
		if IsDangerous(cmd) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("Potentially destructive command %q: review before running", cmd))
			if r.Confidence > fallbackConfidence {
				r.Confidence = fallbackConfidence
			}
		}
	}
}

// record persists the exchange. Persistence failures are logged, never
// surfaced; the answer has already been computed.
func (b *Bridge) record(userID string, sessionID *string, prompt, raw string, r *Result) {
	if b.db == nil {
		return
	}
	commands, _ := json.Marshal(r.Commands)
	warnings, _ := json.Marshal(r.Warnings)
	q := database.AIQuery{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   sessionID,
		Prompt:      prompt,
		RawResponse: raw,
		Commands:    string(commands),
		Explanation: r.Explanation,
		Warnings:    string(warnings),
		Confidence:  r.Confidence,
	}
	if err := b.db.Create(&q).Error; err != nil {
		log.Printf("Failed to record assistant query for user %s: %v", userID, err)
	}
}
