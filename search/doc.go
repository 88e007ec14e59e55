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


// Package search answers queries against the knowledge graph.
//
// A Searcher runs one of three strategies over every dataset the user can
// read:
//   - chunks: vector similarity over document chunks
//   - graph: vector similarity over entities, expanded with their neighbors
//   - lexical: keyword matching over the relational anchor
//
// All reads go through the storage router, so datasets the user cannot read
// contribute nothing. Results from every dataset are merged and ranked by score.
package search
