// Package mock provides test doubles for the ai package interfaces.
//
// The mocks run without external services and behave deterministically:
//
//   - MockEmbedder returns unit vectors derived from a hash of the text
//   - MockGraphExtractor treats capitalized words as entities and links
//     entities that appear in the same sentence
//   - MockProvider aggregates both
//
// Behavior can be overridden through the exported Func fields:
//
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, errors.New("embedding service down")
//	}
//	count := embedder.CallCount()
package mock
