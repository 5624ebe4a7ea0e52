// Package search provides Mongo-backed session search and failure-log repositories.
// It builds on the shared session client so services can reuse the same Mongo
// connection while layering additional query capabilities.
package search
