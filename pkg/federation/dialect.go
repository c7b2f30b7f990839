package federation

import "strings"

// Dialect names a federation wire protocol.
type Dialect string

const (
	DialectNone        Dialect = ""
	DialectNative      Dialect = "dfrn"
	DialectDiaspora    Dialect = "dspr"
	DialectMail        Dialect = "mail"
	DialectActivityPub Dialect = "apub"
	DialectUnknown     Dialect = "unkn"
)

// ParseDialect maps a stored network tag to a Dialect. Unrecognized tags map
// to DialectUnknown.
func ParseDialect(s string) Dialect {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dfrn", "native":
		return DialectNative
	case "dspr", "diaspora":
		return DialectDiaspora
	case "mail":
		return DialectMail
	case "apub", "activitypub":
		return DialectActivityPub
	case "":
		return DialectNone
	default:
		return DialectUnknown
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectNative:
		return "native"
	case DialectDiaspora:
		return "diaspora"
	case DialectMail:
		return "mail"
	case DialectActivityPub:
		return "activitypub"
	case DialectNone:
		return "none"
	default:
		return "unknown"
	}
}
