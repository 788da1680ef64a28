// Package identity derives the post id a control is bound to.
//
// A post whose container (or an ancestor) carries data-post-id resolves to
// that value verbatim. Anything else gets a session-local pseudo id,
// "temp-" plus nine base-36 characters, cached on the DOM node so that
// observing the same node again yields the same id. A pseudo id lives and
// dies with its node: if the host page re-renders the post as a new node,
// it is a new post. Flags recorded against pseudo ids are therefore not
// durable.
package identity

import (
	"log/slog"
	"strings"

	"github.com/hazyhaar/readtheroom/dom"
	"github.com/hazyhaar/readtheroom/idgen"
)

const (
	// StableAttr is the attribute carrying a host-assigned post id.
	StableAttr = "data-post-id"
	// PseudoPrefix marks ids that are only valid for one DOM node.
	PseudoPrefix = "temp-"

	expandoKey = "rtrPseudoId"
)

// Identity is a resolved post id.
type Identity struct {
	ID     string
	Stable bool
}

// IsPseudo reports whether id was synthesised rather than read from the page.
func IsPseudo(id string) bool { return strings.HasPrefix(id, PseudoPrefix) }

// Resolver maps post containers to ids. Safe for concurrent use.
type Resolver struct {
	attr   string
	gen    idgen.Generator
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAttr overrides the stable id attribute.
func WithAttr(name string) Option { return func(r *Resolver) { r.attr = name } }

// WithGenerator overrides the pseudo id generator. The prefix is added by
// the Resolver.
func WithGenerator(g idgen.Generator) Option { return func(r *Resolver) { r.gen = g } }

// WithLogger sets the logger for degraded resolutions.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// New returns a Resolver reading data-post-id and minting temp- ids.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		attr:   StableAttr,
		gen:    idgen.NanoID(9),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve never fails. DOM access errors degrade to a pseudo id.
func (r *Resolver) Resolve(el dom.Element) Identity {
	if owner, ok, err := el.Closest("[" + r.attr + "]"); err != nil {
		r.logger.Debug("identity: closest failed", "error", err)
	} else if ok {
		if v, _, err := owner.Attr(r.attr); err == nil && v != "" {
			return Identity{ID: v, Stable: true}
		}
	}

	if v, ok, err := el.Expando(expandoKey); err == nil && ok && v != "" {
		return Identity{ID: v}
	}
	id := PseudoPrefix + r.gen()
	if err := el.SetExpando(expandoKey, id); err != nil {
		r.logger.Warn("identity: cache pseudo id", "id", id, "error", err)
	}
	return Identity{ID: id}
}
