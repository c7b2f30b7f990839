package delivery

import (
	"strings"

	"fedcore/pkg/federation"
	"fedcore/pkg/store"
)

// Result of the previous attempt on a route.
type Result int

const (
	ResultNone Result = iota
	ResultDelivered
	ResultFailed
)

// Route is everything the dialect choice depends on.
type Route struct {
	// Declared is the dialect the peer announced, DialectUnknown when it
	// could not be resolved.
	Declared federation.Dialect
	// DiasporaThread is set when the target, its parent or its thread parent
	// arrived over Diaspora.
	DiasporaThread bool
	// Public is set for public scope items or contacts.
	Public bool
	Relay  bool
	// ReshareDiasporaPeer is set for reshares to a peer with a Diaspora
	// record.
	ReshareDiasporaPeer bool

	Last  federation.Dialect
	Prior Result
}

// NextDialect returns the dialect to try next, or DialectNone to stop.
func NextDialect(r Route) federation.Dialect {
	switch r.Prior {
	case ResultDelivered:
		return federation.DialectNone

	case ResultNone:
		switch {
		case r.DiasporaThread:
			return federation.DialectDiaspora
		case r.Declared == federation.DialectNative && r.ReshareDiasporaPeer:
			return federation.DialectDiaspora
		case unknownDialect(r.Declared):
			return federation.DialectNative
		}
		return r.Declared

	case ResultFailed:
		if r.Relay || r.Last != federation.DialectNative {
			return federation.DialectNone
		}
		if r.Public || unknownDialect(r.Declared) {
			return federation.DialectDiaspora
		}
	}
	return federation.DialectNone
}

func unknownDialect(d federation.Dialect) bool {
	return d == federation.DialectNone || d == federation.DialectUnknown
}

// ThreadFlags classify a target within its thread.
type ThreadFlags struct {
	TopLevel bool
	// Followup is a reply by a local user to a thread owned elsewhere.
	Followup bool
	Public   bool
}

// Flags computes the thread flags of target below parent. localHost may
// carry a port, which is ignored.
func Flags(target, parent *store.Item, localHost string) ThreadFlags {
	f := ThreadFlags{
		TopLevel: target.IsTopLevel(),
		Public:   len(parent.AllowList) == 0 && len(parent.DenyList) == 0 && !parent.IsPrivate(),
	}
	if !f.TopLevel && !parent.Wall {
		host := strings.ToLower(federation.StripPort(localHost))
		f.Followup = host != "" && strings.Contains(strings.ToLower(target.URI), host)
	}
	return f
}
