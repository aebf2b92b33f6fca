package eval

import "time"

// Decorator wraps an evaluator with an additional layer.
type Decorator func(Evaluator) Evaluator

// ChainBuilder accumulates decorators over a base evaluation. Decorators are
// applied in the order they are added: the first added is the innermost.
type ChainBuilder struct {
	base       Evaluator
	decorators []Decorator
}

// NewChain starts a builder from the basic trust evaluation.
func NewChain() *ChainBuilder {
	return &ChainBuilder{base: &BasicTrust{}}
}

// NewChainFrom starts a builder from a custom base, useful in tests.
func NewChainFrom(base Evaluator) *ChainBuilder {
	return &ChainBuilder{base: base}
}

// WithSecurity layers authentication-hygiene checks onto the chain.
func (b *ChainBuilder) WithSecurity(now func() time.Time) *ChainBuilder {
	b.decorators = append(b.decorators, func(next Evaluator) Evaluator {
		return &Security{Next: next, Now: now}
	})
	return b
}

// WithCompliance layers data-handling rules onto the chain.
func (b *ChainBuilder) WithCompliance() *ChainBuilder {
	b.decorators = append(b.decorators, func(next Evaluator) Evaluator {
		return &Compliance{Next: next}
	})
	return b
}

// WithAudit layers audit logging onto the chain. Usually added last so the
// record captures the final decision.
func (b *ChainBuilder) WithAudit(sink AuditSink) *ChainBuilder {
	b.decorators = append(b.decorators, func(next Evaluator) Evaluator {
		return &Audit{Next: next, Sink: sink}
	})
	return b
}

// With appends an arbitrary decorator.
func (b *ChainBuilder) With(d Decorator) *ChainBuilder {
	b.decorators = append(b.decorators, d)
	return b
}

// Build composes the chain into a single evaluator.
func (b *ChainBuilder) Build() Evaluator {
	ev := b.base
	for _, d := range b.decorators {
		ev = d(ev)
	}
	return ev
}
