// Package store defines the crawl database model (sites, pages, links) and the
// repository interfaces the scheduling layer coordinates through.
// Implementations live in other packages; this package must not import database
// drivers or concrete clients.
package store
