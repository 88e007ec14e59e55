// Package reembed recomputes the vectors of a dataset's data points, for
// example after switching embedding models.
//
// Points are read page by page from the relational anchor, embedded in
// batches with retry and exponential backoff, normalized to unit length and
// written back through the storage router, which keeps the graph and vector
// stores consistent with the anchor. Progress is reported to an io.Writer.
package reembed
