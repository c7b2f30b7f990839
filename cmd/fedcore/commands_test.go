package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcore/pkg/federation"
	"fedcore/pkg/store"
)

func TestPeersTable(t *testing.T) {
	out := peersTable([]*store.Peer{
		{Handle: "zoe@b.example", Dialect: federation.DialectDiaspora, Alive: true, Updated: time.Now()},
		{Handle: "adam@a.example", Dialect: federation.DialectNative, Failures: 3},
	})

	assert.Contains(t, out, "HANDLE")
	assert.Contains(t, out, "unreachable (3 failures)")
	assert.Contains(t, out, "never")
	assert.Less(t, strings.Index(out, "adam@a.example"), strings.Index(out, "zoe@b.example"))
}

func TestExpirePeer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SavePeer(ctx, &store.Peer{Handle: "bob@remote.example", Updated: time.Now()}))

	require.NoError(t, expirePeer(ctx, st, "Bob@Remote.example"))
	p, err := st.PeerByHandle(ctx, "bob@remote.example")
	require.NoError(t, err)
	assert.True(t, p.Updated.IsZero())

	assert.NoError(t, expirePeer(ctx, st, "nobody@remote.example"))
	assert.Error(t, expirePeer(ctx, st, "not-a-handle"))
}
