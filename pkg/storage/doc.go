// Package storage persists supervisor state — declared component
// records and install history — in an embedded BoltDB database so
// restart budgets and audit data survive process restarts.
package storage
