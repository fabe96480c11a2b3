package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"boardcraft/internal/canvas"
	"boardcraft/internal/collab"
	"boardcraft/internal/config"
	"boardcraft/internal/crdt"
	"boardcraft/internal/discovery"
)

type joinOptions struct {
	server           string
	room             string
	peer             string
	bootstrapTimeout time.Duration
	sets             []string
	removes          []string
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}

	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and print the board on every change",
		Long: `Join a room and keep a replica of its board in sync.

Without --server the agent browses mDNS for a relay and joins the first
one found. Edits given with --set and --remove are applied once the board
is loaded. The board is written to stdout as JSON after every change.`,
		Example: `  boardcraft-agent join --server ws://localhost:3001 studio
  boardcraft-agent join studio --set 1.x=240 --set 3.text="Hi there" --remove 2`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.room = args[0]
			}
			edits, err := parseEdits(opts.sets, opts.removes)
			if err != nil {
				return err
			}
			cfg, logger, err := root.load(cmd, opts.apply(cmd, len(args) == 1))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return join(ctx, cfg, opts.peer, edits, cmd.OutOrStdout(), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "", "relay URL (default $BOARDCRAFT_SERVER, empty browses mDNS)")
	flags.StringVar(&opts.peer, "peer", "", "peer id stamped on local edits (default random)")
	flags.DurationVar(&opts.bootstrapTimeout, "bootstrap-timeout", 0, "wait this long for the room snapshot (default 500ms)")
	flags.StringArrayVar(&opts.sets, "set", nil, "edit an element field, as id.field=value (repeatable)")
	flags.StringArrayVar(&opts.removes, "remove", nil, "remove an element by id (repeatable)")
	return cmd
}

func (o *joinOptions) apply(cmd *cobra.Command, roomArg bool) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("server") {
			cfg.Agent.Server = o.server
		}
		if roomArg {
			cfg.Agent.Room = o.room
		}
		if flags.Changed("bootstrap-timeout") {
			cfg.Agent.BootstrapTimeout = o.bootstrapTimeout
		}
	}
}

// resolveServer returns the configured relay, or the first one found
// over mDNS.
func resolveServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Agent.Server != "" {
		return cfg.Agent.Server, nil
	}
	if !cfg.Discovery.Enabled {
		return "", errors.New("no relay configured: pass --server or enable mdns discovery")
	}

	browseCtx, cancel := context.WithTimeout(ctx, cfg.Discovery.BrowseTimeout)
	defer cancel()
	peers, err := discovery.Browse(browseCtx, cfg.Discovery.Service)
	if err != nil {
		return "", err
	}
	if len(peers) == 0 {
		return "", fmt.Errorf("no relay found for %s within %s", cfg.Discovery.Service, cfg.Discovery.BrowseTimeout)
	}
	logger.Info("discovered relay", "instance", peers[0].Instance, "url", peers[0].URL())
	return peers[0].URL(), nil
}

func join(ctx context.Context, cfg *config.Config, peer string, edits []edit, out io.Writer, logger *slog.Logger) error {
	server, err := resolveServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if peer == "" {
		peer = uuid.NewString()
	}

	doc := crdt.NewDocument(peer)
	store := canvas.NewStore(canvas.DefaultElements())
	session, err := collab.NewSession(doc, collab.SessionOptions{
		ServerURL: server,
		Room:      cfg.Agent.Room,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	adapter := collab.NewAdapter(doc, store, collab.AdapterOptions{
		BootstrapTimeout: cfg.Agent.BootstrapTimeout,
		Logger:           logger,
	})
	defer adapter.Close()

	session.OnStatus(func(status collab.Status) {
		logger.Info("connection status", "status", status, "room", session.Room())
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- session.Run(ctx) }()

	seeded, err := adapter.Join(ctx, session.Snapshot())
	if err != nil {
		cancel()
		<-ran
		return finished(err)
	}
	logger.Info("board loaded", "room", session.Room(), "elements", store.Len(), "seeded", seeded)

	printer := newBoardPrinter(out, logger)
	printer.print(canvas.State{Elements: store.Elements(), Selected: store.Selected()})
	unsubscribe := store.Subscribe(printer.print)
	defer unsubscribe()

	for _, e := range edits {
		if err := e.apply(adapter); err != nil {
			logger.Warn("edit rejected", "edit", e.String(), "error", err)
		}
	}

	return finished(<-ran)
}

// finished maps a shutdown by signal to a clean exit.
func finished(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// boardPrinter writes one JSON document per board state.
type boardPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  *slog.Logger
}

type boardView struct {
	Elements []canvas.Element `json:"elements"`
	Selected []string         `json:"selected"`
}

func newBoardPrinter(out io.Writer, logger *slog.Logger) *boardPrinter {
	return &boardPrinter{encoder: json.NewEncoder(out), logger: logger}
}

func (p *boardPrinter) print(state canvas.State) {
	view := boardView{Elements: state.Elements, Selected: state.Selected}
	if view.Elements == nil {
		view.Elements = []canvas.Element{}
	}
	if view.Selected == nil {
		view.Selected = []string{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(view); err != nil {
		p.logger.Warn("print board", "error", err)
	}
}
