// Package crawler holds the pure crawl primitives shared by every worker:
// URL canonicalization, relevance scoring, content-type classification and the
// fetch types and collaborator interfaces the worker loop is composed from.
package crawler
