// Package scrape defines the core types, message contracts, and ports shared by
// the dispatcher, the worker, and the site units.
package scrape
