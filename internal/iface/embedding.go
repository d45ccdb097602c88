package iface

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Embedding validates and health-checks models serving /v1/embeddings.
type Embedding struct{}

func NewEmbedding() *Embedding { return &Embedding{} }

func (e *Embedding) SupportedEndpoints() []string { return []string{"/v1/embeddings"} }

func (e *Embedding) ValidateRequest(path, modelName string) error {
	if strings.Contains(path, "v1/chat/completions") || strings.Contains(path, "v1/completions") {
		return fmt.Errorf("model %q is in 'Embedding' mode and does not support chat or completions; Embedding models do not support this request", modelName)
	}
	return nil
}

func (e *Embedding) HealthCheck(ctx context.Context, modelName string, port int, deadline time.Time) error {
	if err := shallowProbe(ctx, port, deadline); err != nil {
		return err
	}
	body := map[string]interface{}{
		"model":           modelName,
		"input":           "hello",
		"encoding_format": "float",
	}
	return deepProbe(ctx, port, "/v1/embeddings", body, deadline)
}
