package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/peer"
	"github.com/bringyour/docsync/docsync/pointer"
)

const DocsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// defaults for the options, read from the environment
type Config struct {
	Url      string `env:"DOCSYNC_URL" envDefault:"ws://127.0.0.1:8720"`
	Addr     string `env:"DOCSYNC_ADDR" envDefault:":8720"`
	CacheDir string `env:"DOCSYNC_CACHE_DIR"`
	StateDir string `env:"DOCSYNC_STATE_DIR"`
}

func main() {
	flag.Set("logtostderr", "true")

	config := &Config{}
	if err := env.Parse(config); err != nil {
		Err.Fatalf("parse env: %s", err)
	}

	usage := fmt.Sprintf(
		`Document sync control.

The defaults come from the environment:
    DOCSYNC_URL        --url (%s)
    DOCSYNC_ADDR       --addr (%s)
    DOCSYNC_CACHE_DIR  --cache_dir, leveldb snapshot cache of the client
    DOCSYNC_STATE_DIR  --state_dir, document state of the peer

Pointers are json pointers. The empty pointer "" is the root.

Usage:
    docsyncctl serve [--addr=<addr>] [--state_dir=<state_dir>]
    docsyncctl get [--url=<url>] [--cache_dir=<cache_dir>] [<pointer>]
    docsyncctl set [--url=<url>] [--cache_dir=<cache_dir>] <pointer> <json>
    docsyncctl delete [--url=<url>] [--cache_dir=<cache_dir>] <pointer>
    docsyncctl keys [--url=<url>] [--cache_dir=<cache_dir>] [<pointer>]
    docsyncctl watch [--url=<url>] [--cache_dir=<cache_dir>] [<pointer>]
    docsyncctl shell [--url=<url>] [--cache_dir=<cache_dir>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --addr=<addr>              Listen address.
    --state_dir=<state_dir>    Persist the peer document here.
    --url=<url>                Peer websocket url.
    --cache_dir=<cache_dir>    Cache client snapshots here.`,
		config.Url,
		config.Addr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(ctx, opts, config)
	} else if get_, _ := opts.Bool("get"); get_ {
		err = withClient(ctx, opts, config, get)
	} else if set_, _ := opts.Bool("set"); set_ {
		err = withClient(ctx, opts, config, set)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		err = withClient(ctx, opts, config, del)
	} else if keys_, _ := opts.Bool("keys"); keys_ {
		err = withClient(ctx, opts, config, keys)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = withClient(ctx, opts, config, watch)
	} else if shell_, _ := opts.Bool("shell"); shell_ {
		err = withClient(ctx, opts, config, shell)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value, ok := opts[key].(string); ok {
		return value
	}
	return defaultValue
}

func optPointer(opts docopt.Opts) (pointer.Pointer, error) {
	return pointer.Parse(optString(opts, "<pointer>", ""))
}

func serve(ctx context.Context, opts docopt.Opts, config *Config) error {
	addr := optString(opts, "--addr", config.Addr)
	stateDir := optString(opts, "--state_dir", config.StateDir)

	settings := peer.DefaultPeerSettings()
	if stateDir != "" {
		store, err := docsync.NewFileStore(stateDir)
		if err != nil {
			return err
		}
		settings.Store = store
	}
	p := peer.NewPeer(ctx, settings)
	defer p.Close()

	server := &http.Server{
		Addr:    addr,
		Handler: p.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	Out.Printf("serving %s version=%d on %s\n", DocsyncCtlVersion, p.Version(), addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type clientCommand func(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error

// connects a sync context to the peer, waits for the seed, and runs `command`.
// Writes made by the command are acknowledged before returning.
func withClient(ctx context.Context, opts docopt.Opts, config *Config, command clientCommand) error {
	url := optString(opts, "--url", config.Url)
	cacheDir := optString(opts, "--cache_dir", config.CacheDir)

	tracker := docsync.NewWatchTracker()
	settings := docsync.DefaultSyncSettings()
	settings.Tracker = tracker
	if cacheDir != "" {
		store, err := docsync.NewLevelStore(cacheDir)
		if err != nil {
			return err
		}
		defer store.Close()
		settings.Store = store
		// one cache entry per peer, so the last state is available before the seed
		settings.CacheKey = settings.CacheKeyPrefix + url
	}

	transport, err := docsync.DialWsTransportWithDefaults(ctx, url)
	if err != nil {
		return err
	}
	syncContext := docsync.NewSyncContext(ctx, transport, settings)
	defer syncContext.Close()
	go syncContext.Run()

	readyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := syncContext.WaitForReady(readyCtx); err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	glog.V(1).Infof("[ctl]session %s version=%d\n", syncContext.SessionId(), syncContext.Version())

	if err := command(ctx, opts, syncContext, tracker); err != nil {
		return err
	}

	syncCtx, syncCancel := context.WithTimeout(ctx, 15*time.Second)
	defer syncCancel()
	return syncContext.WaitForSync(syncCtx)
}

func printValue(out io.Writer, value any) error {
	valueJson, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", valueJson)
	return err
}

func get(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	p, err := optPointer(opts)
	if err != nil {
		return err
	}
	return getTo(os.Stdout, syncContext, p)
}

func getTo(out io.Writer, syncContext *docsync.SyncContext, p pointer.Pointer) error {
	value, err := syncContext.Get(p)
	if err != nil {
		return err
	}
	if adapter, ok := value.(docsync.Adapter); ok {
		value = adapter.AdapterNode()
	}
	return printValue(out, value)
}

func set(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	p, err := optPointer(opts)
	if err != nil {
		return err
	}
	return setFrom(syncContext, p, optString(opts, "<json>", "null"))
}

func setFrom(syncContext *docsync.SyncContext, p pointer.Pointer, valueJson string) error {
	var value any
	if err := json.Unmarshal([]byte(valueJson), &value); err != nil {
		return fmt.Errorf("%w: %s", docsync.ErrInvalidValue, err)
	}
	return syncContext.Set(p, value)
}

func del(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	p, err := optPointer(opts)
	if err != nil {
		return err
	}
	return syncContext.Delete(p)
}

func keys(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	p, err := optPointer(opts)
	if err != nil {
		return err
	}
	return keysTo(os.Stdout, syncContext, p)
}

func keysTo(out io.Writer, syncContext *docsync.SyncContext, p pointer.Pointer) error {
	value, err := syncContext.Get(p)
	if err != nil {
		return err
	}
	var node *docsync.Node
	switch v := value.(type) {
	case *docsync.Node:
		node = v
	case docsync.Adapter:
		node = v.AdapterNode()
	default:
		return fmt.Errorf("%w: %s", docsync.ErrNotContainer, p)
	}
	for _, key := range node.Keys() {
		fmt.Fprintf(out, "%s\n", key)
	}
	return nil
}

// prints every change at or below the pointer until interrupted
func watch(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	p, err := optPointer(opts)
	if err != nil {
		return err
	}

	unsub := tracker.AddChangeCallback(func(event *docsync.ChangeEvent) {
		path := event.Path()
		if !path.HasPrefix(p) {
			return
		}
		if event.Kind == docsync.ChangeDelete {
			Out.Printf("%s %s\n", event.Kind, path)
			return
		}
		value, err := syncContext.Get(path)
		if err != nil {
			Out.Printf("%s %s (%s)\n", event.Kind, path, err)
			return
		}
		valueJson, _ := json.Marshal(value)
		Out.Printf("%s %s %s\n", event.Kind, path, valueJson)
	})
	defer unsub()

	Out.Printf("watching %q at version %d\n", p.String(), syncContext.Version())
	select {
	case <-ctx.Done():
		return nil
	case <-syncContext.Done():
		return syncContext.Err()
	}
}

const shellHelp = `commands:
    get [<pointer>]
    set <pointer> <json>
    delete <pointer>
    keys [<pointer>]
    sync
    version
    quit`

type lineReader interface {
	ReadLine() (string, error)
}

type scanLineReader struct {
	scanner *bufio.Scanner
}

func (self *scanLineReader) ReadLine() (string, error) {
	if !self.scanner.Scan() {
		if err := self.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return self.scanner.Text(), nil
}

// an interactive session against the live document. Uses a line editor
// when stdin is a terminal.
func shell(ctx context.Context, opts docopt.Opts, syncContext *docsync.SyncContext, tracker *docsync.WatchTracker) error {
	var reader lineReader
	var out io.Writer
	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return err
		}
		defer term.Restore(stdin, oldState)
		terminal := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "docsync> ")
		reader = terminal
		out = terminal
	} else {
		reader = &scanLineReader{
			scanner: bufio.NewScanner(os.Stdin),
		}
		out = os.Stdout
	}

	fmt.Fprintf(out, "session %s version %d\n%s\n", syncContext.SessionId(), syncContext.Version(), shellHelp)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-syncContext.Done():
			return syncContext.Err()
		default:
		}

		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := shellCommand(ctx, out, syncContext, line)
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
		if quit {
			return nil
		}
	}
}

func shellCommand(ctx context.Context, out io.Writer, syncContext *docsync.SyncContext, line string) (bool, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) == 0 || fields[0] == "" {
		return false, nil
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "get":
		p, err := pointer.Parse(arg(1))
		if err != nil {
			return false, err
		}
		return false, getTo(out, syncContext, p)
	case "set":
		p, err := pointer.Parse(arg(1))
		if err != nil {
			return false, err
		}
		return false, setFrom(syncContext, p, arg(2))
	case "delete":
		p, err := pointer.Parse(arg(1))
		if err != nil {
			return false, err
		}
		return false, syncContext.Delete(p)
	case "keys":
		p, err := pointer.Parse(arg(1))
		if err != nil {
			return false, err
		}
		return false, keysTo(out, syncContext, p)
	case "sync":
		syncCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return false, syncContext.WaitForSync(syncCtx)
	case "version":
		fmt.Fprintf(out, "%d (speculation %d)\n", syncContext.Version(), syncContext.Speculation())
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		fmt.Fprintf(out, "%s\n", shellHelp)
		return false, nil
	}
}
