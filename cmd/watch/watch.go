package watch

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/cmdutil"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/signals"
	"github.com/endorses/sslkeylog/internal/pkg/tls/keylog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WatchCmd follows a key log file and prints every new entry.
var WatchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Follow a key log file and print new entries",
	Long: `Follow an NSS key log file, such as one written through SSLKEYLOGFILE,
and print each entry that adds a secret not seen before. Existing content is
read first. The file may be created, truncated or rotated while watched.

Examples:
  sslkeylog watch /tmp/keys.log
  sslkeylog watch /tmp/keys.log --poll --poll-interval 500ms
  sslkeylog watch /tmp/keys.log --strict`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	forcePolling bool
	pollInterval time.Duration
	maxSessions  int
	sessionTTL   time.Duration
	strict       bool
	showStats    bool
)

func init() {
	WatchCmd.Flags().BoolVar(&forcePolling, "poll", false, "Poll the file instead of using filesystem notifications")
	WatchCmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Polling interval")
	WatchCmd.Flags().IntVar(&maxSessions, "max-sessions", 10000, "Maximum number of sessions remembered")
	WatchCmd.Flags().DurationVar(&sessionTTL, "session-ttl", time.Hour, "How long a session is remembered after its last entry")
	WatchCmd.Flags().BoolVar(&strict, "strict", false, "Reject entries with unknown labels")
	WatchCmd.Flags().BoolVar(&showStats, "stats", false, "Log store statistics on exit")

	_ = viper.BindPFlag("watch.poll", WatchCmd.Flags().Lookup("poll"))
	_ = viper.BindPFlag("watch.poll_interval", WatchCmd.Flags().Lookup("poll-interval"))
	_ = viper.BindPFlag("watch.max_sessions", WatchCmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("watch.session_ttl", WatchCmd.Flags().Lookup("session-ttl"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := newLineWriter(cmd.OutOrStdout())

	store := keylog.NewStore(keylog.StoreConfig{
		MaxSessions: cmdutil.GetIntConfig("watch.max_sessions", maxSessions),
		SessionTTL:  cmdutil.GetDurationConfig("watch.session_ttl", sessionTTL),
		OnKeyAdded:  out.entry,
	})
	defer store.Stop()

	watcher := keylog.NewWatcher(path, store, keylog.WatcherConfig{
		PollInterval: cmdutil.GetDurationConfig("watch.poll_interval", pollInterval),
		StrictMode:   strict,
		ForcePolling: cmdutil.GetBoolConfig("watch.poll", forcePolling),
	})

	ctx, stop := signals.WithShutdown(cmd.Context())
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	<-ctx.Done()

	if err := watcher.Stop(); err != nil {
		logger.Warn("failed to stop watcher", "error", err)
	}
	if showStats {
		ws, ss := watcher.Stats(), store.Stats()
		logger.Info("key log watch finished",
			"lines_read", ws.LinesRead,
			"entries_added", ws.EntriesAdded,
			"errors", ws.Errors,
			"sessions", ss.TotalSessions,
			"tls12_sessions", ss.TLS12Sessions,
			"tls13_sessions", ss.TLS13Sessions)
	}
	return nil
}

// lineWriter serializes entry output from the watcher goroutine.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (l *lineWriter) entry(e *keylog.KeyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, keylog.FormatEntry(e))
}
