// Package tasks holds the built-in pipeline tasks that turn ingested data into
// a knowledge graph:
//
//	document -> chunk -> extract_graph | chunk_points -> embed -> persist
//
// document loads the raw content of a Data item, chunk splits it, extract_graph
// asks an ai.GraphExtractor for entities and relations (chunk_points skips
// extraction), embed attaches vectors and persist writes everything through
// the storage router. Every task takes a typed config that is validated when
// the run is submitted and is part of the run key.
package tasks
