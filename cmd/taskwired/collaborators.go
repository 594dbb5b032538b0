package main

import (
	"context"
	"strings"
	"time"

	"github.com/taskwire/taskwire-go/pkg/envelope"
	"github.com/taskwire/taskwire-go/pkg/server"
)

// staticIdentity validates bearer tokens against the statically configured
// token list. Deployments with a real identity provider plug their own
// implementation into server.Config instead.
type staticIdentity struct {
	claims map[string]server.Claims
}

func newStaticIdentity(tokens []tokenConf) *staticIdentity {
	claims := make(map[string]server.Claims, len(tokens))
	for _, token := range tokens {
		claims[token.Token] = server.Claims{
			UserId: token.User,
			Role:   token.Role,
		}
	}

	return &staticIdentity{claims: claims}
}

func (identity *staticIdentity) Validate(token string) (server.Claims, error) {
	if claims, exists := identity.claims[token]; exists {
		return claims, nil
	}

	return server.Claims{}, &server.AuthError{
		Code:    envelope.CodeTokenInvalid,
		Message: "unknown bearer token",
	}
}

// echoExecutor streams the request's prompt back word by word. It serves as
// the wire-level smoke test executor of a bare taskwired; real deployments
// plug their own TaskExecutor into server.Config.
type echoExecutor struct{}

func newEchoExecutor() *echoExecutor {
	return &echoExecutor{}
}

func (executor *echoExecutor) Execute(ctx context.Context, domain, action string, payload map[string]interface{}) (<-chan server.Event, error) {
	prompt, _ := payload["prompt"].(string)

	events := make(chan server.Event)
	go func() {
		defer close(events)

		for i, word := range strings.Fields(prompt) {
			content := word
			if i > 0 {
				content = " " + word
			}

			select {
			case events <- server.Event{Kind: server.EventChunk, Content: content}:
			case <-ctx.Done():
				return
			}

			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}

		select {
		case events <- server.Event{Kind: server.EventDone, FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()

	return events, nil
}
