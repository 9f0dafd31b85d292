// Package app assembles the routing stack from configuration. The server and
// the worker binary share it so both route messages identically.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kaisenye/conduit-backend/internal/ai"
	"github.com/kaisenye/conduit-backend/internal/broadcast"
	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/config"
	"github.com/kaisenye/conduit-backend/internal/llm"
	"github.com/kaisenye/conduit-backend/internal/routing"
)

const defaultBusinessName = "Business"

// NewRegistry registers every supported provider. The model argument of a
// factory overrides the configured one.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenAIProvider("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, pick(model, cfg.OpenAIModel), cfg.AITimeout), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		p := ai.NewOpenAIProvider("openrouter", cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, pick(model, cfg.OpenRouterModel), cfg.AITimeout)
		p.SiteURL = cfg.OpenRouterSiteURL
		p.AppName = cfg.OpenRouterAppName
		return p, nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, pick(model, cfg.OllamaModel), cfg.AITimeout), nil
	})
	return reg
}

func pick(model, def string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return def
}

// ToolCaller resolves the configured provider wrapped with bounded retry.
func ToolCaller(ctx context.Context, cfg config.Config) (ai.ToolCaller, error) {
	tc, err := NewRegistry(cfg).ToolCaller(ctx, cfg.AIProvider, "")
	if err != nil {
		return nil, err
	}
	return ai.WithRetry(tc, cfg.AIMaxRetries, 500*time.Millisecond), nil
}

// ResolveActors finds the Business user (creating one when the store has none)
// and the configured Vendor user. An unset vendor is resolved per routing pass.
func ResolveActors(ctx context.Context, repo *chat.Repo, cfg config.Config) (routing.Actors, error) {
	var biz *chat.User
	var err error
	if cfg.BusinessUserID != 0 {
		biz, err = repo.GetUser(ctx, cfg.BusinessUserID)
		if err != nil {
			return routing.Actors{}, fmt.Errorf("business user %d: %w", cfg.BusinessUserID, err)
		}
		if biz.Role != chat.RoleBusiness {
			return routing.Actors{}, fmt.Errorf("user %d has role %s, want BUSINESS", biz.ID, biz.Role)
		}
	} else {
		biz, err = repo.FirstUserByRole(ctx, chat.RoleBusiness)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			biz = &chat.User{Name: defaultBusinessName, Role: chat.RoleBusiness}
			err = repo.CreateUser(ctx, biz)
		}
		if err != nil {
			return routing.Actors{}, fmt.Errorf("resolve business user: %w", err)
		}
	}

	actors := routing.Actors{BusinessID: biz.ID, BusinessName: biz.Name, VendorID: cfg.VendorUserID}
	if cfg.VendorUserID != 0 {
		if _, err := repo.GetUser(ctx, cfg.VendorUserID); err != nil {
			return routing.Actors{}, fmt.Errorf("vendor user %d: %w", cfg.VendorUserID, err)
		}
	}
	return actors, nil
}

// NewRunner builds classifier, responder, engine and runner over repo.
func NewRunner(ctx context.Context, cfg config.Config, repo *chat.Repo, pub broadcast.Publisher, logger *slog.Logger) (*routing.Runner, error) {
	caller, err := ToolCaller(ctx, cfg)
	if err != nil {
		return nil, err
	}
	actors, err := ResolveActors(ctx, repo, cfg)
	if err != nil {
		return nil, err
	}

	classifier := llm.NewClassifier(caller, llm.ClassifierOptions{
		Temperature:       cfg.ClassifierTemperature,
		BusinessResponses: cfg.BusinessResponsesEnabled,
	}, logger)
	responder := llm.NewResponder(caller, cfg.ResponderTemperature, logger)

	engine := routing.NewEngine(repo, classifier, responder, pub, actors,
		routing.WithHistorySize(cfg.ClassifierHistorySize),
		routing.WithLogger(logger))
	return routing.NewRunner(repo, engine), nil
}
