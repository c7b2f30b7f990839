package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fedcore/pkg/federation"
	"fedcore/pkg/store"
)

func TestNextDialect(t *testing.T) {
	const (
		none     = federation.DialectNone
		native   = federation.DialectNative
		diaspora = federation.DialectDiaspora
		mail     = federation.DialectMail
		unknown  = federation.DialectUnknown
	)

	tests := []struct {
		name  string
		route Route
		want  federation.Dialect
	}{
		{"delivered stops", Route{Declared: native, Prior: ResultDelivered, Last: native}, none},
		{"diaspora thread wins", Route{Declared: native, DiasporaThread: true}, diaspora},
		{"native reshare to diaspora peer", Route{Declared: native, ReshareDiasporaPeer: true}, diaspora},
		{"unknown peer starts native", Route{Declared: unknown}, native},
		{"undeclared peer starts native", Route{Declared: none}, native},
		{"declared native", Route{Declared: native}, native},
		{"declared mail", Route{Declared: mail}, mail},
		{"declared diaspora", Route{Declared: diaspora}, diaspora},
		{"failed relay stops", Route{Declared: unknown, Relay: true, Public: true, Last: native, Prior: ResultFailed}, none},
		{"failed native public", Route{Declared: native, Public: true, Last: native, Prior: ResultFailed}, diaspora},
		{"failed native unknown peer", Route{Declared: unknown, Last: native, Prior: ResultFailed}, diaspora},
		{"failed native private", Route{Declared: native, Last: native, Prior: ResultFailed}, none},
		{"failed diaspora stops", Route{Declared: diaspora, Public: true, Last: diaspora, Prior: ResultFailed}, none},
		{"failed mail stops", Route{Declared: mail, Last: mail, Prior: ResultFailed}, none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDialect(tt.route))
		})
	}
}

func TestFlags(t *testing.T) {
	foreign := &store.Item{URI: "https://remote.example/objects/p1", Gravity: store.GravityParent}
	wall := &store.Item{URI: "https://local.example/objects/p2", Gravity: store.GravityParent, Wall: true}
	restricted := &store.Item{Gravity: store.GravityParent, AllowList: []string{"<1>"}}

	tests := []struct {
		name   string
		target *store.Item
		parent *store.Item
		host   string
		want   ThreadFlags
	}{
		{
			name:   "top level",
			target: foreign, parent: foreign, host: "local.example",
			want: ThreadFlags{TopLevel: true, Public: true},
		},
		{
			name:   "local reply to foreign thread",
			target: &store.Item{URI: "https://local.example/objects/c1", Gravity: store.GravityComment},
			parent: foreign, host: "local.example",
			want: ThreadFlags{Followup: true, Public: true},
		},
		{
			name:   "port stripped and case folded",
			target: &store.Item{URI: "https://LOCAL.example/objects/c1", Gravity: store.GravityComment},
			parent: foreign, host: "Local.Example:8443",
			want: ThreadFlags{Followup: true, Public: true},
		},
		{
			name:   "host substring of a longer name still matches",
			target: &store.Item{URI: "https://notlocal.example/objects/c1", Gravity: store.GravityComment},
			parent: foreign, host: "local.example",
			want: ThreadFlags{Followup: true, Public: true},
		},
		{
			name:   "remote reply",
			target: &store.Item{URI: "https://remote.example/objects/c1", Gravity: store.GravityComment},
			parent: foreign, host: "local.example",
			want: ThreadFlags{Public: true},
		},
		{
			name:   "reply on own wall is no followup",
			target: &store.Item{URI: "https://local.example/objects/c2", Gravity: store.GravityComment},
			parent: wall, host: "local.example",
			want: ThreadFlags{Public: true},
		},
		{
			name:   "restricted parent",
			target: restricted, parent: restricted, host: "local.example",
			want: ThreadFlags{TopLevel: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flags(tt.target, tt.parent, tt.host))
		})
	}
}
