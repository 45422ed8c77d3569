// Package api exposes the frontier and site registry over HTTP so workers that do not
// hold a database connection can take part in a crawl. Every request body is decoded
// into a typed struct with unknown fields rejected, and failures answer with a JSON
// body naming the error kind.
package api
