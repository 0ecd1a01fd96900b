// Package store defines the run ledger contract. Implementations live in the
// storage packages; this package must not import database drivers or concrete
// clients.
package store
