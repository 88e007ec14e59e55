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


// Package storage defines the knowledge store adapter contracts for kgraph.
//
// There is one interface per backend family:
//
//   - GraphAdapter: DataPoints as nodes, Edges as relationships
//   - VectorAdapter: embeddings with similarity search
//   - RelationalAdapter: the structured anchor for every DataPoint and Edge
//
// All three share the Adapter shape (Get, GetMany, Upsert, UpsertMany, Delete,
// DeleteMany, DeleteDataset) and take a Handle that scopes the call to one
// dataset. Implementations live in subpackages:
//
//	storage/badger    embedded graph and vector stores, one directory per dataset
//	storage/neo4j     shared graph server, nodes carry dataset_id
//	storage/redis     shared vector server, keys prefixed by dataset
//	storage/sqlstore  record store and relational adapter (SQLite or Postgres)
//
// # Calls
//
// Adapters run every backend operation through a Caller, which applies a
// per-call timeout and retries transient failures a small number of times.
// A call that keeps failing returns core.BackendUnavailableError.
//
// # Semantics
//
// Get on a missing id returns ErrNotFound. GetMany returns only the items that
// exist. Delete and DeleteMany ignore missing ids.
//
// # Serialization
//
// Embedded backends store values in a compact binary form built from mus-go
// primitives. Free-form payloads are stored as JSON inside that envelope.
package storage
