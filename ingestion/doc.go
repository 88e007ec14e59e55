// Package ingestion turns raw input into Data records.
//
// An Ingester reads each IngestItem (inline text or a file on disk), stores
// its bytes in a content-addressed FileStore and records a Data row in the
// Record Store. The Data id is derived from the content hash and the adding
// user, so adding the same content twice yields one record. Items are read
// concurrently on a worker pool; the returned Data keep the input order.
package ingestion
