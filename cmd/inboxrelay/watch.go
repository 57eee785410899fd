package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/notify"
	"inboxrelay/internal/reconcile"
	"inboxrelay/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		serverURL string
		relayURL  string
		inboxID   string
		pinned    []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow one inbox live from the terminal",
		Long: `Fetches the inbox history from the ingestion server, subscribes to the relay's
live stream and prints conversations as messages arrive. Pinned conversations
are listed first. A dropped connection triggers a fresh fetch and re-join.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			if relayURL == "" {
				relayURL = fmt.Sprintf("ws://localhost:%d/ws", cfg.Relay.Port)
			}
			if inboxID == "" && len(cfg.Ingest.AllowedInboxes) > 0 {
				inboxID = cfg.Ingest.AllowedInboxes[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := newWatcher(serverURL, relayURL, inboxID, pinned, os.Stdout, logger)
			logger.Info("watching inbox", "inbox_id", inboxID, "server", serverURL, "relay", relayURL)
			return w.run(ctx)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "ingestion server base URL (default: http://localhost:<server.port>)")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL (default: ws://localhost:<relay.port>/ws)")
	cmd.Flags().StringVar(&inboxID, "inbox", "", "inbox to follow (default: first allowed inbox)")
	cmd.Flags().StringSliceVar(&pinned, "pin", nil, "conversation ids to keep at the top")
	return cmd
}

// watcher keeps a reconciled view of one inbox in sync with the relay.
type watcher struct {
	serverURL  string
	wsURL      string
	rec        *reconcile.Reconciler
	pinned     map[string]bool
	client     *http.Client
	dialer     *websocket.Dialer
	out        io.Writer
	logger     *slog.Logger
	retryDelay time.Duration
	now        func() time.Time

	// onChange runs after every change to the view.
	onChange func()
}

func newWatcher(serverURL, wsURL, inboxID string, pinned []string, out io.Writer, logger *slog.Logger) *watcher {
	pins := make(map[string]bool, len(pinned))
	for _, id := range pinned {
		pins[strings.TrimSpace(id)] = true
	}
	return &watcher{
		serverURL:  strings.TrimRight(serverURL, "/"),
		wsURL:      wsURL,
		rec:        reconcile.New(inboxID),
		pinned:     pins,
		client:     notify.SharedHTTPClient(10 * time.Second),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		out:        out,
		logger:     logger,
		retryDelay: 2 * time.Second,
		now:        time.Now,
	}
}

// run reconnects until ctx is cancelled. Every session starts from a fresh
// history fetch; the relay keeps no state for returning clients.
func (w *watcher) run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("live stream lost, reconnecting", "err", err, "retry_in", w.retryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *watcher) session(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	joined := make(map[string]bool)
	join := func(event, id string) error {
		key := event + ":" + id
		if id == "" || joined[key] {
			return nil
		}
		joined[key] = true
		return conn.WriteJSON(map[string]string{"event": event, "data": id})
	}

	// Join the inbox before fetching so nothing published in between is lost;
	// frames queued meanwhile are deduplicated against the history.
	if err := join(relay.EventJoinInbox, w.rec.InboxID()); err != nil {
		return err
	}
	history, err := w.fetchHistory(ctx)
	if err != nil {
		return err
	}
	w.rec.Reset(history)
	for _, id := range w.rec.ConversationIDs() {
		if err := join(relay.EventJoinConversation, id); err != nil {
			return err
		}
	}
	w.changed()

	for {
		var f relay.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Event {
		case relay.EventNewMessage:
			var msg domain.CanonicalMessage
			if err := json.Unmarshal(f.Data, &msg); err != nil {
				w.logger.Debug("bad new_message frame", "err", err)
				continue
			}
			if !w.rec.Accepts(msg) {
				continue
			}
			if err := join(relay.EventJoinConversation, msg.ConversationID.String()); err != nil {
				return err
			}
			if w.rec.Add(msg) {
				w.changed()
			}
		case relay.EventError:
			w.logger.Warn("relay reported an error", "data", string(f.Data))
		}
	}
}

func (w *watcher) fetchHistory(ctx context.Context) ([]domain.CanonicalMessage, error) {
	u := w.serverURL + "/api/messages"
	if inbox := w.rec.InboxID(); inbox != "" {
		u += "?inboxId=" + url.QueryEscape(inbox)
	}
	var msgs []domain.CanonicalMessage
	if err := getJSON(ctx, w.client, u, &msgs); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return msgs, nil
}

func (w *watcher) changed() {
	if w.out != nil {
		w.render()
	}
	if w.onChange != nil {
		w.onChange()
	}
}

func (w *watcher) render() {
	groups := w.rec.Conversations(w.pinned)
	fmt.Fprintf(w.out, "\n== inbox %s | %d conversations | %d messages today ==\n",
		displayOr(w.rec.InboxID(), "*"), len(groups), w.rec.DailyTotal(w.now()))
	for _, g := range groups {
		pin := " "
		if g.Pinned {
			pin = "*"
		}
		name := g.GroupName
		if name == "" && g.Contact != nil {
			name = g.Contact.Name
		}
		last := g.Messages[len(g.Messages)-1]
		fmt.Fprintf(w.out, "%s %-12s %-24s unread:%-3d %s  %s: %s\n",
			pin, g.ConversationID, truncate(displayOr(name, "?"), 24), g.Unread,
			g.LastAt.Local().Format("15:04"), displayOr(last.SenderName, string(last.Sender)),
			truncate(strings.ReplaceAll(last.Content, "\n", " "), 60))
	}
}

func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: HTTP %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func displayOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
