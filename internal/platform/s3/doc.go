// Package s3 provides a bucket-scoped client for S3-compatible object storage.
//
// It backs the artifact store and the audit archiver. Hetzner Object Storage,
// MinIO and AWS S3 all work; path-style addressing is configurable for the
// services that need it.
package s3
