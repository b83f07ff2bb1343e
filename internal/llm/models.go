package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Wire structures for the gateway's model catalog. Prices come back as
// decimal strings.
type modelsResponse struct {
	Data []wireModel `json:"data"`
}

type wireModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

// ListModels fetches the gateway's model catalog.
func (g *Gateway) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := g.makeRequest(ctx, "GET", "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{
			ID:              m.ID,
			Name:            m.Name,
			ContextLength:   m.ContextLength,
			PromptPrice:     parsePrice(m.Pricing.Prompt),
			CompletionPrice: parsePrice(m.Pricing.Completion),
		})
	}
	return models, nil
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
