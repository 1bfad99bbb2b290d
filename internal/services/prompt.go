package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/repos"
)

// Prompt names the rest of the service resolves system instructions by.
const (
	PromptChatDefault   = "chat-default"
	PromptSummarization = "summarization"
	PromptRAGAnswer     = "rag-answer"
)

// builtinPrompts back every known name so a missing or deactivated registry
// row never leaves a turn without a system instruction. The seeder installs
// the same texts as version 1.
var builtinPrompts = map[string]string{
	PromptChatDefault: "You are a helpful, accurate assistant. Answer clearly and concisely. " +
		"If you are unsure about something, say so instead of guessing.",
	PromptSummarization: "You condense conversations. Produce a compact third-person summary of the " +
		"conversation you are given, preserving names, decisions, open questions and concrete facts. " +
		"If an existing summary is provided, fold the new turns into it. Respond with the summary text only.",
	PromptRAGAnswer: "You answer questions using the document excerpts included in the user's message. " +
		"Ground your answer in the excerpts and cite the documents you use by number. " +
		"If the excerpts do not contain the answer, say so before answering from general knowledge.",
}

// PromptOverview is one registry name with its active version and the active
// version's running usage stats.
type PromptOverview struct {
	Name           string  `json:"name"`
	ActiveVersion  int     `json:"active_version"`
	Versions       int     `json:"versions"`
	UsageCount     int64   `json:"usage_count"`
	AvgTotalTokens float64 `json:"avg_total_tokens"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// PromptService owns the versioned system-prompt registry. It doubles as the
// llm.SystemSource providers resolve instructions through.
type PromptService interface {
	Overview(dbc dbctx.Context) ([]*PromptOverview, error)
	ListVersions(dbc dbctx.Context, name string) ([]*types.Prompt, error)
	Create(dbc dbctx.Context, name, content string, createdBy *uuid.UUID, activate bool, metadata datatypes.JSON) (*types.Prompt, error)
	Activate(dbc dbctx.Context, name string, version int) error

	// ActiveSystem resolves the system text for name, falling back to the
	// builtin (logged) when no version is active. Empty means no system turn.
	ActiveSystem(ctx context.Context, name string) string

	// RecordUsage folds a successful completion into the active version's
	// running means. Failures are logged, never propagated.
	RecordUsage(ctx context.Context, name string, totalTokens int, latencyMs float64)

	// Seed installs any missing names as an active version 1. Idempotent.
	Seed(ctx context.Context, seeds []PromptSeed) error
}

type promptService struct {
	log     *logger.Logger
	prompts repos.PromptRepo
}

func NewPromptService(promptRepo repos.PromptRepo, baseLog *logger.Logger) PromptService {
	return &promptService{
		log:     baseLog.With("service", "PromptService"),
		prompts: promptRepo,
	}
}

func (s *promptService) Overview(dbc dbctx.Context) ([]*PromptOverview, error) {
	rows, err := s.prompts.List(dbc)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}

	byName := map[string]*PromptOverview{}
	for _, row := range rows {
		ov, ok := byName[row.Name]
		if !ok {
			ov = &PromptOverview{Name: row.Name}
			byName[row.Name] = ov
		}
		ov.Versions++
		if row.Active {
			ov.ActiveVersion = row.Version
			ov.UsageCount = row.UsageCount
			ov.AvgTotalTokens = row.AvgTotalTokens
			ov.AvgLatencyMs = row.AvgLatencyMs
		}
	}

	out := make([]*PromptOverview, 0, len(byName))
	for _, ov := range byName {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *promptService) ListVersions(dbc dbctx.Context, name string) ([]*types.Prompt, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_prompt_name", errors.New("prompt name required"))
	}
	rows, err := s.prompts.ListByName(dbc, name)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	if len(rows) == 0 {
		return nil, apierr.New(http.StatusNotFound, "prompt_not_found", fmt.Errorf("prompt %q not found", name))
	}
	return rows, nil
}

func (s *promptService) Create(dbc dbctx.Context, name, content string, createdBy *uuid.UUID, activate bool, metadata datatypes.JSON) (*types.Prompt, error) {
	name = strings.TrimSpace(name)
	content = strings.TrimSpace(content)
	if name == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_prompt_name", errors.New("prompt name required"))
	}
	if content == "" {
		return nil, apierr.New(http.StatusBadRequest, "invalid_prompt_content", errors.New("prompt content required"))
	}

	row, err := s.prompts.CreateNextVersion(dbc, name, content, createdBy, metadata, activate)
	if err != nil {
		return nil, fmt.Errorf("create prompt version: %w", err)
	}
	s.log.Info("Prompt version created", "name", name, "version", row.Version, "active", activate)
	return row, nil
}

func (s *promptService) Activate(dbc dbctx.Context, name string, version int) error {
	name = strings.TrimSpace(name)
	if name == "" || version < 1 {
		return apierr.New(http.StatusBadRequest, "invalid_prompt_version", errors.New("prompt name and positive version required"))
	}
	switched, err := s.prompts.Activate(dbc, name, version)
	if err != nil {
		return fmt.Errorf("activate prompt: %w", err)
	}
	if !switched {
		return apierr.New(http.StatusNotFound, "prompt_version_not_found", fmt.Errorf("prompt %q version %d not found", name, version))
	}
	s.log.Info("Prompt version activated", "name", name, "version", version)
	return nil
}

func (s *promptService) ActiveSystem(ctx context.Context, name string) string {
	row, err := s.prompts.GetActive(dbctx.Context{Ctx: ctx}, name)
	if err != nil {
		s.log.Warn("Active prompt lookup failed, using builtin", "name", name, "error", err)
		return builtinPrompts[name]
	}
	if row == nil {
		if fallback, ok := builtinPrompts[name]; ok {
			s.log.Warn("No active prompt version, using builtin", "name", name)
			return fallback
		}
		s.log.Warn("Unknown prompt name, no system instruction", "name", name)
		return ""
	}
	return row.Content
}

func (s *promptService) RecordUsage(ctx context.Context, name string, totalTokens int, latencyMs float64) {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := s.prompts.GetActive(dbc, name)
	if err != nil || row == nil {
		return
	}
	if err := s.prompts.RecordUsage(dbc, row.ID, totalTokens, latencyMs); err != nil {
		s.log.Warn("Prompt usage update failed", "name", name, "error", err)
	}
}

// PromptSeed is one default prompt declared in configs/prompts.yaml.
type PromptSeed struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

func (s *promptService) Seed(ctx context.Context, seeds []PromptSeed) error {
	dbc := dbctx.Context{Ctx: ctx}
	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Name)
		content := strings.TrimSpace(seed.Content)
		if name == "" || content == "" {
			return fmt.Errorf("prompt seed requires name and content (name=%q)", seed.Name)
		}
		existing, err := s.prompts.ListByName(dbc, name)
		if err != nil {
			return fmt.Errorf("seed lookup %q: %w", name, err)
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := s.prompts.CreateNextVersion(dbc, name, content, nil, nil, true); err != nil {
			return fmt.Errorf("seed prompt %q: %w", name, err)
		}
		s.log.Info("Prompt seeded", "name", name)
	}
	return nil
}

// BuiltinSeeds returns the in-code defaults as seed entries, used when no
// seed file is present.
func BuiltinSeeds() []PromptSeed {
	names := make([]string, 0, len(builtinPrompts))
	for name := range builtinPrompts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]PromptSeed, 0, len(names))
	for _, name := range names {
		out = append(out, PromptSeed{Name: name, Content: builtinPrompts[name]})
	}
	return out
}
