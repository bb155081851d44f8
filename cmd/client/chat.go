package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/api"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/delivery"
	"github.com/zhouzirui/z-chat/backend/pkg/client/netmon"
	"github.com/zhouzirui/z-chat/backend/pkg/client/pending"
	"github.com/zhouzirui/z-chat/backend/pkg/client/reveal"
	"github.com/zhouzirui/z-chat/backend/pkg/client/state"
	"github.com/zhouzirui/z-chat/backend/pkg/client/transport"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		a.start(runCtx)
		return a.repl(runCtx)
	},
}

// app 把客户端各组件按依赖顺序装配到同一条总线上。
type app struct {
	cfg     *config.ClientConfig
	bus     *bus.Bus
	store   *pending.Store
	monitor *netmon.Monitor
	reach   *netmon.Monitor
	conn    *transport.Client
	orch    *delivery.Orchestrator
	reveal  *reveal.Engine
	state   *state.State
	api     *api.Client

	mu      sync.Mutex
	current string
	unsubs  []func()
	wg      sync.WaitGroup
}

func newApp(cfg *config.ClientConfig) (*app, error) {
	b := bus.New()
	store, err := pending.Open(pending.Config{Path: cfg.PendingPath, MaxAge: cfg.PendingMaxAge}, b)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, bus: b, store: store}
	a.monitor = netmon.New(b, false)
	a.reach = netmon.New(nil, false)
	a.conn = transport.New(transport.Options{URL: wsURL(cfg.ServerURL), UserID: cfg.UserID}, b, a.monitor)
	a.api = api.New(api.Options{BaseURL: cfg.ServerURL + "/api", UserID: cfg.UserID, SessionID: a.conn.SessionID})
	a.orch = delivery.New(store, a.conn, a.monitor, b, delivery.Options{
		AckTimeout:    cfg.AckTimeout,
		ReplayDelay:   cfg.ReplayDelay,
		MaxRetries:    cfg.MaxRetries,
		PurgeInterval: cfg.PurgeInterval,
	})
	a.state = state.New(b, a.orch, store)
	a.reveal = reveal.New(reveal.Options{Interval: cfg.RevealInterval, OnFrame: a.printFrame})
	return a, nil
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/api/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/api/ws"
	default:
		return server + "/api/ws"
	}
}

func (a *app) start(ctx context.Context) {
	a.unsubs = append(a.unsubs,
		a.state.Attach(),
		reveal.Follow(a.bus, a.reveal),
		a.conn.On(event.FrameConnected, func(event.Envelope) { a.rejoin(ctx) }),
		a.conn.On(event.FrameError, func(env event.Envelope) {
			if frame, err := transport.Decode[event.ErrorFrame](env); err == nil && frame.ClientMessageID == "" {
				fmt.Printf("! server: %s (%s)\n", frame.Message, frame.Code)
			}
		}),
		a.bus.Subscribe(bus.TopicDeliveryFailed, func(p any) {
			if derr, ok := p.(*delivery.Error); ok {
				fmt.Printf("! %s not delivered: %s\n", derr.MessageID, derr.Reason())
			}
		}),
		a.bus.Subscribe(bus.TopicSyncStatus, func(p any) {
			if s, ok := p.(chat.SyncStatus); ok && s.InProgress {
				fmt.Printf("~ syncing %d/%d\n", s.Synced, s.Total)
			}
		}),
		a.bus.Subscribe(bus.TopicStateChanged, a.printChange),
	)

	a.orch.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[client] transport stopped: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.reach.Probe(ctx, nil, a.cfg.ServerURL+"/healthz", a.cfg.ProbeInterval)
	}()
}

func (a *app) close() {
	for _, u := range a.unsubs {
		u()
	}
	a.wg.Wait()
	<-a.orch.Done()
	a.reveal.Stop()
	if err := a.store.Close(); err != nil {
		log.Printf("[client] close store: %v", err)
	}
}

// rejoin 重连后重新加入当前会话房间。
func (a *app) rejoin(ctx context.Context) {
	a.mu.Lock()
	conv := a.current
	a.mu.Unlock()
	if conv == "" {
		return
	}
	go func() {
		if err := a.join(ctx, event.ActionJoinConversation, conv); err != nil {
			log.Printf("[client] rejoin %s: %v", conv, err)
		}
	}()
}

func (a *app) join(ctx context.Context, action, conversationID string) error {
	frame, err := event.NewInbound(action, event.ConversationAction{ConversationID: conversationID})
	if err != nil {
		return err
	}
	return a.conn.Send(ctx, frame)
}

func (a *app) printFrame(f reveal.Frame) {
	if f.Done {
		fmt.Printf("\r< %s\n", f.Text)
		return
	}
	fmt.Printf("\r< %s", f.Text)
}

func (a *app) printChange(p any) {
	c, ok := p.(state.Change)
	if !ok {
		return
	}
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()

	switch {
	case c.RolledBack:
		fmt.Printf("! %s on %s rolled back\n", c.Type, c.ConversationID)
	case c.Type == event.MessageNew && c.ConversationID == current && c.MessageID != "":
		for _, m := range a.state.Messages(current) {
			if m.ID == c.MessageID && m.Role == chat.RoleUser {
				fmt.Printf("> %s\n", m.Content)
			}
		}
	case c.Type == event.ConversationDeleted && c.ConversationID == current:
		fmt.Println("! current conversation was deleted")
		a.mu.Lock()
		a.current = ""
		a.mu.Unlock()
	}
}

const help = `commands:
  /list                 list conversations
  /new <title>          create and open a conversation
  /open <id>            open a conversation
  /rename <title>       rename the open conversation
  /delete               delete the open conversation
  /pin <messageId>      pin a message
  /unpin <messageId>    unpin a message
  /log                  show the open conversation including unsent messages
  /retry <id>           retry a failed message
  /discard <id>         drop an unsent message
  /status               connectivity and sync status
  /quit                 exit
anything else is sent as a message`

func (a *app) repl(ctx context.Context) error {
	fmt.Println(help)
	reader := newLineReader(a.cfg.HistoryPath)
	defer reader.close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := reader.read("zchat> ")
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) open() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == "" {
		return "", errors.New("no conversation open, use /open or /new")
	}
	return a.current, nil
}

func (a *app) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		go func() {
			_, err := a.orch.Submit(ctx, conv, line)
			if kind, ok := delivery.KindOf(err); ok && kind == delivery.KindOffline {
				fmt.Println("~ offline, message queued")
			}
		}()
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println(help)

	case "/list":
		convs, err := a.api.ListConversations(ctx)
		if err != nil {
			return false, err
		}
		a.state.Load(convs)
		for _, c := range a.state.Conversations() {
			fmt.Printf("  %s  %-30s %d messages\n", c.ID, c.Title, c.MessageCount)
		}

	case "/new":
		conv, err := a.api.CreateConversation(ctx, arg)
		if err != nil {
			return false, err
		}
		if err := a.state.Apply(mustEnvelope(event.ConversationCreated, conv)); err != nil {
			return false, err
		}
		return false, a.switchTo(ctx, conv.ID)

	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <id>")
		}
		return false, a.switchTo(ctx, arg)

	case "/rename":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		return false, a.state.Rename(ctx, a.api, conv, arg)

	case "/delete":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		if err := a.state.Delete(ctx, a.api, conv); err != nil {
			return false, err
		}
		a.mu.Lock()
		a.current = ""
		a.mu.Unlock()

	case "/pin", "/unpin":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		if cmd == "/pin" {
			return false, a.state.Pin(ctx, a.api, conv, arg)
		}
		return false, a.state.Unpin(ctx, a.api, conv, arg)

	case "/log":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		entries, err := a.state.Timeline(conv)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			switch v := e.(type) {
			case chat.Message:
				pin := " "
				if v.Pinned {
					pin = "*"
				}
				fmt.Printf("%s %s [%s] %s\n", pin, v.ID, v.Role, v.Content)
			case chat.PendingMessage:
				fmt.Printf("  %s [%s, retries=%d] %s\n", v.ID, v.Status, v.RetryCount, v.Content)
			}
		}

	case "/retry":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		go func() {
			if err := a.orch.Retry(ctx, conv, arg); err != nil {
				fmt.Printf("! retry %s: %v\n", arg, err)
			}
		}()

	case "/discard":
		conv, err := a.open()
		if err != nil {
			return false, err
		}
		return false, a.orch.Discard(conv, arg)

	case "/status":
		s := a.orch.SyncStatus()
		fmt.Printf("  connected=%v reachable=%v session=%s sync=%d/%d\n",
			a.monitor.IsOnline(), a.reach.IsOnline(), a.conn.SessionID(), s.Synced, s.Total)

	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

func (a *app) switchTo(ctx context.Context, conversationID string) error {
	msgs, err := a.api.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	a.state.LoadMessages(conversationID, msgs)

	a.mu.Lock()
	prev := a.current
	a.current = conversationID
	a.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := a.join(ctx, event.ActionLeaveConversation, prev); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			log.Printf("[client] leave %s: %v", prev, err)
		}
	}
	if err := a.join(ctx, event.ActionJoinConversation, conversationID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return err
	}
	fmt.Printf("opened %s (%d messages)\n", conversationID, len(msgs))
	return nil
}

func mustEnvelope(t event.Type, payload any) event.Envelope {
	env, err := event.NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}
