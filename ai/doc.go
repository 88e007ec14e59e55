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


// Package ai provides abstractions for the AI services used by kgraph.
//
// Two capabilities are needed by the built-in pipeline tasks:
//
//   - Embedder: generates vector embeddings from text
//   - GraphExtractor: turns a chunk of text into candidate nodes and relations
//
// Provider aggregates both for convenient initialization.
//
// # Implementation Packages
//
//   - ai/openai: production implementation using OpenAI-compatible APIs
//   - ai/mock: deterministic test doubles
//
// Public constructors in ai/openai return interface types. The mock
// constructors return concrete types so tests can inject behavior and
// inspect call counts.
//
// # Usage Example
//
//	provider, err := openai.NewProvider(ai.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vec, err := provider.Embedder().EmbedText(ctx, "Hello world")
//	g, err := provider.GraphExtractor().ExtractGraph(ctx, "Marie Curie worked at the Sorbonne.", ai.DefaultSchema)
package ai
