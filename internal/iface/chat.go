package iface

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Chat validates and health-checks models serving /v1/chat/completions.
type Chat struct{}

func NewChat() *Chat { return &Chat{} }

func (c *Chat) SupportedEndpoints() []string { return []string{"/v1/chat/completions"} }

func (c *Chat) ValidateRequest(path, modelName string) error {
	if strings.Contains(path, "v1/embeddings") {
		return fmt.Errorf("model %q is in 'Chat' mode and does not support embeddings requests; Chat models do not support this request", modelName)
	}
	if strings.Contains(path, "v1/completions") {
		return fmt.Errorf("model %q is in 'Chat' mode and does not support the legacy completions endpoint", modelName)
	}
	return nil
}

func (c *Chat) HealthCheck(ctx context.Context, modelName string, port int, deadline time.Time) error {
	if err := shallowProbe(ctx, port, deadline); err != nil {
		return err
	}
	body := map[string]interface{}{
		"model":      modelName,
		"messages":   []map[string]string{{"role": "user", "content": "hello"}},
		"max_tokens": 1,
		"stream":     false,
	}
	return deepProbe(ctx, port, "/v1/chat/completions", body, deadline)
}
