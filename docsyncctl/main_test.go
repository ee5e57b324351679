package main

import (
	"bytes"
	"context"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/peer"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestShellCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := peer.NewPeerWithDefaults(ctx)
	defer p.Close()
	clientTransport, peerTransport := docsync.NewMemTransportPair(ctx)
	go p.Serve(peerTransport)

	syncContext := docsync.NewSyncContextWithDefaults(ctx, clientTransport)
	defer syncContext.Close()
	go syncContext.Run()
	err := syncContext.WaitForReady(ctx)
	assert.Equal(t, err, nil)

	run := func(line string) string {
		out := &bytes.Buffer{}
		quit, err := shellCommand(ctx, out, syncContext, line)
		assert.Equal(t, err, nil)
		assert.Equal(t, quit, false)
		return out.String()
	}

	run(`set /a {"b": [1, 2]}`)
	run(`set /c "text"`)
	run(`sync`)
	assert.Equal(t, run(`get /a/b/1`), "2\n")
	assert.Equal(t, run(`keys`), "a\nc\n")

	run(`delete /c`)
	run(`sync`)
	assert.Equal(t, run(`keys`), "a\n")
	assert.Equal(t, p.Version(), syncContext.Version())

	out := &bytes.Buffer{}
	_, err = shellCommand(ctx, out, syncContext, `get /missing`)
	assert.NotEqual(t, err, nil)
	_, err = shellCommand(ctx, out, syncContext, `set a 1`)
	assert.NotEqual(t, err, nil)

	quit, err := shellCommand(ctx, out, syncContext, `quit`)
	assert.Equal(t, err, nil)
	assert.Equal(t, quit, true)
}
