// Command client is a terminal participant for the relay.
//
// Plain lines are sent to the open conversation. Commands:
//
//	/open <user>        open (or create) the conversation with a user
//	/join <id>          join a conversation room by id
//	/leave              leave the current room
//	/history            load the previous page
//	/show               print the current timeline
//	/read               mark received messages as read
//	/find <terms> [--lang xx] [--limit n]
//	/retry <tmp-id>     resend a failed message
//	/reconnect          retry after the connection was given up
//	/quit
package main

import (
	"bufio"
	"chat-relay/client"
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/domain/mimetypes"
	"chat-relay/domain/search"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type Config struct {
	URL            string        `envconfig:"RELAY_URL" default:"ws://localhost:8080/ws"`
	Token          string        `envconfig:"RELAY_TOKEN" required:"true"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"WARN"`
	AckTimeout     time.Duration `envconfig:"ACK_TIMEOUT" default:"15s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	PingTimeout    time.Duration `envconfig:"PING_TIMEOUT" default:"90s"`
	HistoryPage    int           `envconfig:"HISTORY_PAGE" default:"20"`
	Colours        bool          `envconfig:"COLOURS" default:"true"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	color.Enable = config.Colours
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(log, clock.Real(), client.Config{
		URL:            config.URL,
		Credential:     config.Token,
		RequestTimeout: config.RequestTimeout,
		AckTimeout:     config.AckTimeout,
		PingTimeout:    config.PingTimeout,
		EventBuffer:    256,
	}, func(state client.State) {
		color.Yellow.Printf("· connection %s\n", state)
	})
	if err := session.Connect(ctx); err != nil {
		return exitRuntime, fmt.Errorf("could not connect to %s: %w", config.URL, err)
	}
	defer session.Close()

	t := &terminal{session: session, out: os.Stdout, pageSize: config.HistoryPage}
	color.Green.Printf(">>> Connected as %s (type /quit to leave)\n", session.UserID())

	go t.printEvents(ctx)
	go t.expirePending(ctx, time.Second)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return exitOK, nil
			}
			if err := t.handle(ctx, strings.TrimSpace(line)); err != nil {
				color.Red.Printf("! %v\n", err)
			}
		}
	}
}

type terminal struct {
	session  *client.Session
	out      io.Writer
	pageSize int
	current  domain.ConversationID
}

func (t *terminal) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	command, argument, _ := strings.Cut(line, " ")
	argument = strings.TrimSpace(argument)

	switch command {
	case "/open":
		conversation, err := t.session.Open(ctx, argument)
		if err != nil {
			return err
		}
		t.current = domain.ConversationID(conversation.ID)
		color.Cyan.Printf("· conversation %s with %s\n", conversation.ID, lo.Ternary(conversation.RequesterID == t.session.UserID(), conversation.CounterpartID, conversation.RequesterID))
		return t.history(ctx)
	case "/join":
		t.current = domain.ConversationID(argument)
		if err := t.session.Join(t.current); err != nil {
			return err
		}
		return t.history(ctx)
	case "/leave":
		if err := t.requireConversation(); err != nil {
			return err
		}
		err := t.session.Leave(t.current)
		t.current = ""
		return err
	case "/history":
		if err := t.requireConversation(); err != nil {
			return err
		}
		return t.history(ctx)
	case "/show":
		if err := t.requireConversation(); err != nil {
			return err
		}
		t.render(t.session.Timeline(t.current).Entries())
		return nil
	case "/read":
		return t.markRead(ctx)
	case "/find":
		if err := t.requireConversation(); err != nil {
			return err
		}
		hits, err := t.session.Search(ctx, search.NewSearchQuery(t.current, line))
		if err != nil {
			return err
		}
		t.renderHits(hits)
		return nil
	case "/retry":
		if err := t.requireConversation(); err != nil {
			return err
		}
		_, err := t.session.RetryMessage(t.current, argument)
		return err
	case "/reconnect":
		if !t.session.Retry() {
			return fmt.Errorf("connection is %s", t.session.State())
		}
		return nil
	}

	if strings.HasPrefix(command, "/") {
		return fmt.Errorf("unknown command %s", command)
	}
	if err := t.requireConversation(); err != nil {
		return err
	}
	_, err := t.session.Send(t.current, line, nil)
	return err
}

func (t *terminal) requireConversation() error {
	if t.current == "" {
		return fmt.Errorf("no conversation open, use /open <user>")
	}
	return nil
}

func (t *terminal) history(ctx context.Context) error {
	more, err := t.session.FetchOlder(ctx, t.current, t.pageSize)
	if err != nil {
		return err
	}
	t.render(t.session.Timeline(t.current).Entries())
	if more {
		color.Gray.Println("· /history for older messages")
	}
	return nil
}

func (t *terminal) markRead(ctx context.Context) error {
	if err := t.requireConversation(); err != nil {
		return err
	}
	me := t.session.UserID()
	unread := lo.FilterMap(t.session.Timeline(t.current).Entries(), func(e client.Entry, _ int) (domain.MessageID, bool) {
		return e.Message.ID, e.Status == client.StatusSent && e.Message.SenderID != me && e.Message.ReadAt == nil
	})
	if len(unread) == 0 {
		return nil
	}
	marked, err := t.session.MarkRead(ctx, t.current, unread)
	if err != nil {
		return err
	}
	color.Gray.Printf("· %d marked read\n", len(marked))
	return nil
}

func (t *terminal) render(entries []client.Entry) {
	table := newTable(t.out, "Time", "From", "Message", "Status")
	for _, entry := range entries {
		status := entry.Status.String()
		if entry.Status == client.StatusFailed {
			status = fmt.Sprintf("failed (%s) %s", entry.Reason, entry.TempID)
		} else if entry.Message.ReadAt != nil {
			status = "read"
		}
		table.Append([]string{
			entry.Message.CreatedAt.Local().Format(time.TimeOnly),
			entry.Message.SenderID,
			describe(entry.Message),
			status,
		})
	}
	table.Render()
}

func (t *terminal) renderHits(hits []event.SearchHit) {
	if len(hits) == 0 {
		color.Gray.Println("· no match")
		return
	}
	table := newTable(t.out, "Time", "From", "Message", "Lang", "Score")
	for _, hit := range hits {
		table.Append([]string{
			hit.CreatedAt.Local().Format(time.DateTime),
			hit.SenderID,
			hit.Content,
			hit.Language,
			fmt.Sprintf("%.2f", hit.Score),
		})
	}
	table.Render()
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func describe(message domain.Message) string {
	parts := lo.Map(message.Attachments, func(a domain.Attachment, _ int) string {
		return fmt.Sprintf("[%s] %s", mimetypes.CategoryOf(a.MimeKind), a.URL)
	})
	if message.Content != "" {
		parts = append([]string{message.Content}, parts...)
	}
	return strings.Join(parts, " ")
}

func (t *terminal) printEvents(ctx context.Context) {
	me := t.session.UserID()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-t.session.Events():
			switch v := e.(type) {
			case event.NewMessage:
				if v.Message.SenderID != me {
					color.Cyan.Printf("[%s] %s: %s\n", v.Message.CreatedAt.Local().Format(time.TimeOnly), v.Message.SenderID, describe(v.Message.ToDomain()))
				}
			case event.MessageNotification:
				color.Magenta.Printf("· %s wrote in %s (%d unread)\n", v.Message.SenderID, v.Message.ConversationID, v.UnreadCount)
			case event.MessageFailed:
				color.Red.Printf("! not sent (%s), /retry %s\n", v.Reason, v.ClientTempID)
			case event.TypingStarted:
				color.Gray.Printf("· %s is typing...\n", v.UserID)
			case event.MessagesRead:
				color.Gray.Printf("· %s read %d message(s)\n", v.ReaderID, len(v.MessageIDs))
			}
		}
	}
}

// expirePending turns sends left without an answer into failures.
func (t *terminal) expirePending(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ids := range t.session.ExpirePending() {
				for _, id := range ids {
					color.Red.Printf("! no answer for %s, /retry %s\n", id, id)
				}
			}
		}
	}
}
