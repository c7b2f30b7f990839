package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlocklist(t *testing.T) {
	bl := NewBlocklist([]string{"spam.example", "https://Bad.Example:8443/", ""})

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"exact host url", "https://spam.example/profile/x", true},
		{"subdomain url", "https://pod.spam.example/u/1", true},
		{"scheme and port stripped on add", "http://bad.example/x", true},
		{"handle", "eve@pod.bad.example", true},
		{"unrelated host", "https://good.example/", false},
		{"suffix without dot boundary", "https://notspam.example/", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bl.IsURLBlocked(tt.input))
		})
	}
}

func TestBlocklist_AddRemove(t *testing.T) {
	bl := NewBlocklist(nil)
	assert.False(t, bl.IsHostBlocked("example.org"))

	bl.Add("Example.org")
	assert.True(t, bl.IsHostBlocked("www.example.org"))
	assert.ElementsMatch(t, []string{"example.org"}, bl.Hosts())

	bl.Remove("example.org")
	assert.False(t, bl.IsHostBlocked("example.org"))

	var nilList *Blocklist
	assert.False(t, nilList.IsURLBlocked("https://example.org"))
}
