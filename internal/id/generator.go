package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

// GenerateClientID identifies one SSE connection.
func (g *Generator) GenerateClientID() string {
	return g.generate("sse")
}

// GenerateMessageID identifies a bus message in the in-memory adapter.
func (g *Generator) GenerateMessageID() string {
	return g.generate("msg")
}

// GenerateConsumerID names a bus consumer within its group.
func (g *Generator) GenerateConsumerID() string {
	return g.generate("con")
}
