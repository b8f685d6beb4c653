// Package uuid implements crawler.IDGenerator with random UUIDs.
package uuid

import guuid "github.com/google/uuid"

// Generator mints UUIDv4 strings.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUID string.
func (g *Generator) NewID() string {
	return guuid.NewString()
}
