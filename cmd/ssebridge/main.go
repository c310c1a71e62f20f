// Package main provides the ssebridge binary: an HTTP server exposing a
// broadcast event stream through the bridge, and small inspection utilities.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcarbo/ssebridge/auth"
	"github.com/jmcarbo/ssebridge/bridge"
	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/gateway"
	"github.com/jmcarbo/ssebridge/pool"
	"github.com/jmcarbo/ssebridge/router"
)

var version = "1.0.0"

const broadcastRouteID = 1

func main() {
	rootCmd := &cobra.Command{
		Use:     "ssebridge",
		Short:   "ssebridge - Server-Sent Events protocol bridge",
		Long:    `ssebridge serves a broadcast event stream over text/event-stream, bridging HTTP clients to an internal frame-based application boundary with credit-based flow control.`,
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		addr           string
		pathPrefix     string
		heartbeat      time.Duration
		initialComment string
		challengeEvent string
		jwtKey         string
		requiredScope  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a broadcast event stream",
		RunE: func(_ *cobra.Command, _ []string) error {
			table := router.NewTable()
			slots := pool.New(64, 8*1024)

			opts := []bridge.Option{
				bridge.WithChallengeEventType(challengeEvent),
			}
			if initialComment != "" {
				opts = append(opts, bridge.WithInitialComment([]byte(initialComment)))
			}
			factory := bridge.New(table, slots, opts...)

			gwOpts := []gateway.Option{}
			routeAuth := uint64(0)
			if jwtKey != "" {
				provider := auth.New([]byte(jwtKey), auth.WithScope(requiredScope, 1))
				gwOpts = append(gwOpts, gateway.WithTokenValidator(provider))
				routeAuth = 1
			}
			gw := gateway.New(factory, table, broadcastRouteID, gwOpts...)

			source := newBroadcaster(gw, table)
			table.Add(&router.Route{
				RouteID:       broadcastRouteID,
				Authorization: routeAuth,
				PathInfo:      pathPrefix,
				Target:        source.accept,
			})
			go source.run(heartbeat)

			fmt.Printf("ssebridge listening on %s\n", addr)
			return http.ListenAndServe(addr, gw)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Listen address")
	cmd.Flags().StringVar(&pathPrefix, "path", "/events", "Path prefix served by the broadcast route")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 5*time.Second, "Interval between broadcast events")
	cmd.Flags().StringVar(&initialComment, "initial-comment", "", "Comment emitted once the first window arrives")
	cmd.Flags().StringVar(&challengeEvent, "challenge-event", bridge.DefaultChallengeEventType, "Event type for injected challenges")
	cmd.Flags().StringVar(&jwtKey, "jwt-key", "", "HMAC key for bearer-token validation (empty disables auth)")
	cmd.Flags().StringVar(&requiredScope, "scope", "events", "Scope required to subscribe when auth is enabled")
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the challenge event payload",
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := json.MarshalIndent(bridge.ChallengeSchema(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// subscriber is one active stream pair seen from the application side.
type subscriber struct {
	initialID uint64
	replyID   uint64
	budget    int32
	padding   int32
	begun     bool
}

// broadcaster is the in-process application behind the broadcast route: it
// replies to every subscription and fans a periodic event out to every
// subscriber that has credit for it.
type broadcaster struct {
	gw    *gateway.Gateway
	table *router.Table

	mu   sync.Mutex
	subs map[uint64]*subscriber
	seq  uint64
}

func newBroadcaster(gw *gateway.Gateway, table *router.Table) *broadcaster {
	return &broadcaster{gw: gw, table: table, subs: make(map[uint64]*subscriber)}
}

// accept receives application-bound frames from the bridge.
func (b *broadcaster) accept(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindBegin:
		sub := &subscriber{
			initialID: fr.StreamID,
			replyID:   b.table.ReplyID(fr.StreamID),
		}
		b.mu.Lock()
		b.subs[sub.replyID] = sub
		b.mu.Unlock()
		b.table.SetThrottle(sub.replyID, func(t *frame.Frame) { b.throttle(sub, t) })

		// Answer the subscription; events flow once credit arrives.
		go b.gw.Dispatch(&frame.Frame{
			Kind:     frame.KindBegin,
			RouteID:  fr.RouteID,
			StreamID: sub.replyID,
			TraceID:  fr.TraceID,
		})
	case frame.KindAbort:
		b.mu.Lock()
		replyID := b.table.ReplyID(fr.StreamID)
		delete(b.subs, replyID)
		b.mu.Unlock()
		b.table.ClearThrottle(b.table.ReplyID(fr.StreamID))
	case frame.KindEnd:
		// Request half complete; the reply half stays open.
	}
}

func (b *broadcaster) throttle(sub *subscriber, fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindWindow:
		b.mu.Lock()
		sub.budget += fr.Credit
		sub.padding = fr.Padding
		sub.begun = true
		b.mu.Unlock()
	case frame.KindReset:
		b.mu.Lock()
		delete(b.subs, sub.replyID)
		b.mu.Unlock()
		b.table.ClearThrottle(sub.replyID)
	}
}

// run broadcasts one event per tick to every subscriber with enough credit.
func (b *broadcaster) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for now := range ticker.C {
		b.mu.Lock()
		b.seq++
		payload := []byte(now.UTC().Format(time.RFC3339))
		id := []byte(fmt.Sprintf("%d", b.seq))
		timestamp := now.UnixMilli()
		type target struct {
			replyID uint64
			padding int32
		}
		targets := make([]target, 0, len(b.subs))
		for _, sub := range b.subs {
			if !sub.begun {
				continue
			}
			cost := int32(len(payload)) + sub.padding
			if sub.budget < cost {
				continue
			}
			sub.budget -= cost
			targets = append(targets, target{replyID: sub.replyID, padding: sub.padding})
		}
		b.mu.Unlock()

		ex := frame.SSEDataEx{Timestamp: timestamp, ID: id, Type: []byte("tick")}
		for _, t := range targets {
			b.gw.Dispatch(&frame.Frame{
				Kind:      frame.KindData,
				RouteID:   broadcastRouteID,
				StreamID:  t.replyID,
				Flags:     frame.FlagInit | frame.FlagFin,
				Payload:   payload,
				Padding:   t.padding,
				Extension: ex.Marshal(),
			})
		}
	}
}
