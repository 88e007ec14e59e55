// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrMalformedResponse is returned when no attempt produced parseable JSON.
var ErrMalformedResponse = errors.New("malformed extraction response")

// GraphExtractor implements ai.GraphExtractor using OpenAI-compatible chat APIs.
type GraphExtractor struct {
	client      llms.Model
	maxAttempts int
	logger      *slog.Logger
}

// extraction matches the JSON object the model is asked to produce.
type extraction struct {
	Nodes []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"nodes"`
	Edges []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Label  string `json:"label"`
	} `json:"edges"`
}

func newGraphExtractor(config *ai.Config) (*GraphExtractor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.ExtractorHost),
		openai.WithToken(config.APIKey),
		openai.WithModel(config.ExtractorModel),
	)
	if err != nil {
		return nil, err
	}

	return &GraphExtractor{
		client:      client,
		maxAttempts: config.MaxAttempts,
		logger:      slog.Default().With("component", "openai-extractor", "model", config.ExtractorModel),
	}, nil
}

// NewGraphExtractor creates a new graph extractor using the provided configuration.
func NewGraphExtractor(config *ai.Config) (ai.GraphExtractor, error) {
	return newGraphExtractor(config)
}

// ExtractGraph asks the model for the entities and relations in text. A
// response that does not parse is requested again, up to the configured
// number of attempts. The result is filtered through schema.
func (e *GraphExtractor) ExtractGraph(ctx context.Context, text string, schema ai.Schema) (*ai.Graph, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, buildSystemPrompt(schema)),
		llms.TextParts(llms.ChatMessageTypeHuman, normalizeWhitespace(text)),
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		response, err := e.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			e.logger.Error("failed to generate content", "attempt", attempt, "err", err)
			return nil, err
		}
		if len(response.Choices) < 1 {
			e.logger.Debug("no choices returned from model")
			return &ai.Graph{}, nil
		}

		g, err := parseGraph(response.Choices[0].Content)
		if err != nil {
			lastErr = err
			e.logger.Warn("error parsing extraction response", "attempt", attempt, "err", err)
			continue
		}

		filtered := schema.Filter(g)
		e.logger.Debug("extracted graph",
			"nodes", len(g.Nodes), "kept_nodes", len(filtered.Nodes),
			"relations", len(g.Relations), "kept_relations", len(filtered.Relations))
		return filtered, nil
	}

	e.logger.Error("failed to parse extraction response after retries", "attempts", e.maxAttempts, "err", lastErr)
	return nil, errors.Join(ErrMalformedResponse, lastErr)
}

// parseGraph decodes a model response, repairing common formatting mistakes first.
func parseGraph(response string) (*ai.Graph, error) {
	var raw extraction
	if err := json.Unmarshal([]byte(repairJSON(stripCodeFence(response))), &raw); err != nil {
		return nil, err
	}
	g := &ai.Graph{
		Nodes:     make([]core.GraphNode, 0, len(raw.Nodes)),
		Relations: make([]core.GraphRelation, 0, len(raw.Edges)),
	}
	for _, n := range raw.Nodes {
		g.Nodes = append(g.Nodes, core.GraphNode{Name: n.Name, Type: n.Type, Description: n.Description})
	}
	for _, r := range raw.Edges {
		g.Relations = append(g.Relations, core.GraphRelation{Source: r.Source, Target: r.Target, Label: r.Label})
	}
	return g, nil
}
