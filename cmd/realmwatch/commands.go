package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/danmuck/realmctl/internal/logging"
	"github.com/danmuck/realmctl/internal/protocol/schema"
	"github.com/danmuck/realmctl/internal/protocol/session"
	"github.com/danmuck/realmctl/internal/replication"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	addr        string
	name        string
	mode        string
	caFile      string
	certFile    string
	keyFile     string
	serverName  string
	interval    time.Duration
	maxAttempts int
	verbose     bool
}

func newRootCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:           "realmwatch",
		Short:         "Mirror realm existence and descriptors from a realmctl server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			client, err := replication.NewClient(opts.clientConfig())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), client, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.addr, "addr", "a", "localhost:9301", "host:port for TCP or a ws:// URL")
	f.StringVar(&opts.name, "name", "realmwatch", "client name sent in the hello")
	f.StringVar(&opts.mode, "mode", string(session.SecurityModeDevelopment), "security mode: development|production")
	f.StringVar(&opts.caFile, "ca", "", "CA bundle; enables TLS")
	f.StringVar(&opts.certFile, "cert", "", "client certificate for mutual TLS")
	f.StringVar(&opts.keyFile, "key", "", "client key for mutual TLS")
	f.StringVar(&opts.serverName, "server-name", "", "TLS server name override")
	f.DurationVar(&opts.interval, "interval", 5*time.Second, "summary interval; 0 prints only on exit")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "give up after this many failed connects; 0 retries forever")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print every message")
	return cmd
}

func (o watchOptions) clientConfig() replication.ClientConfig {
	sc := session.DefaultConfig()
	sc.SecurityMode = session.SecurityMode(o.mode)
	if o.caFile != "" {
		sc.TLS = session.TLSConfig{
			Enabled:    true,
			Mutual:     o.certFile != "",
			CAFile:     o.caFile,
			CertFile:   o.certFile,
			KeyFile:    o.keyFile,
			ServerName: o.serverName,
		}
	}
	return replication.ClientConfig{
		Address:            o.addr,
		Name:               o.name,
		Session:            sc,
		MaxConnectAttempts: o.maxAttempts,
	}
}

func watch(ctx context.Context, out io.Writer, client *replication.Client, opts watchOptions) error {
	var onMessage func(session.Message)
	if opts.verbose {
		onMessage = func(m session.Message) { printMessage(out, m) }
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, onMessage) }()

	var tick <-chan time.Time
	if opts.interval > 0 {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case err := <-done:
			summarize(out, client.Mirror())
			return err
		case <-tick:
			summarize(out, client.Mirror())
		}
	}
}

func printMessage(out io.Writer, m session.Message) {
	switch v := m.(type) {
	case session.ExistenceDelta:
		fmt.Fprintf(out, "%s %s exists=%t\n", schema.Name(v.MessageType()), v.Key, v.Exists)
	case session.Warning:
		fmt.Fprintf(out, "%s %dm %q\n", schema.Name(v.MessageType()), v.MinutesRemaining, v.Text)
	case session.SingleSync:
		fmt.Fprintf(out, "%s %s %dB\n", schema.Name(v.MessageType()), v.Key, len(v.Payload))
	case session.BulkSync:
		fmt.Fprintf(out, "%s %dB\n", schema.Name(v.MessageType()), len(v.Payload))
	case session.ChunkedSync:
		fmt.Fprintf(out, "%s part %d/%d %dB\n", schema.Name(v.MessageType()), v.Index+1, v.Total, len(v.Payload))
	default:
		fmt.Fprintf(out, "%s\n", schema.Name(m.MessageType()))
	}
}

// summarize prints one line per mirrored realm, then the mirror counters.
func summarize(out io.Writer, m *session.Mirror) {
	descs := m.Descriptors()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Key < descs[j].Key })
	byKey := make(map[string]session.Descriptor, len(descs))
	for _, d := range descs {
		byKey[d.Key] = d
	}

	keys := m.Keys()
	fmt.Fprintf(out, "realms: %d\n", len(keys))
	for _, k := range keys {
		d, ok := byKey[k]
		if !ok {
			fmt.Fprintf(out, "  %s (no descriptor)\n", k)
			continue
		}
		fmt.Fprintf(out, "  %s category=%s seed=%d generator=%s spawn=(%.1f,%.1f,%.1f)\n",
			k, d.Category, d.Seed, d.Generator, d.Spawn.X, d.Spawn.Y, d.Spawn.Z)
	}
	for _, w := range m.Warnings() {
		fmt.Fprintf(out, "warning: %dm %s\n", w.MinutesRemaining, w.Text)
	}
	st := m.Stats()
	fmt.Fprintf(out, "applied=%d dropped=%d chunk_resets=%d chunk_pending=%t\n",
		st.Applied, st.Dropped, st.ChunkResets, st.ChunkPending)
}
