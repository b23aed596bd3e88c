package murray

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// typingInterval is how often the typing indicator is refreshed while a
// response is being generated. Discord expires the indicator after
// roughly ten seconds.
const typingInterval = 5 * time.Second

// DiscordSessionHandler wraps the discordgo session methods the bot
// uses, so tests can substitute a stub session.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// discordSession adapts *discordgo.Session to DiscordSessionHandler.
type discordSession struct {
	session *discordgo.Session
}

func (d discordSession) Open() error  { return d.session.Open() }
func (d discordSession) Close() error { return d.session.Close() }

func (d discordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d discordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d discordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendReply(channelID, content, reference, options...)
}

func (d discordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d discordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

// Discord watches the configured channels and relays every eligible
// message to a Responder, replying in sections that fit discord's
// message length limit.
type Discord struct {
	config    *DiscordConfig
	relay     *RelayConfig
	session   DiscordSessionHandler
	responder Responder
	logger    *slog.Logger

	// botUserID is set from the Ready event and used to recognize the
	// bot's own messages in channel history
	botUserID string
}

// NewDiscord creates the Discord bot, but does not open the gateway
// connection.
func NewDiscord(
	config *DiscordConfig,
	relay *RelayConfig,
	responder Responder,
	logger *slog.Logger,
) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token required")
	}
	if config.ChannelID == "" {
		return nil, fmt.Errorf("discord channel_id required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "discord")

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	if config.DiscordGoLogLevel != nil {
		session.LogLevel = discordgoLogLevel(config.DiscordGoLogLevel.Level())
	}
	discordgo.Logger = discordgoLoggerFunc(context.Background(), logger.Handler())

	return &Discord{
		config:    config,
		relay:     relay,
		session:   discordSession{session: session},
		responder: responder,
		logger:    logger,
	}, nil
}

// Run opens the gateway connection and serves messages until the
// context is canceled.
func (d *Discord) Run(ctx context.Context) error {
	d.session.AddHandler(
		func(_ *discordgo.Session, r *discordgo.Ready) {
			d.handleReady(ctx, r)
		},
	)
	d.session.AddHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			d.handleMessage(ctx, m)
		},
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"discord connected",
		"channel_id", d.config.ChannelID,
		"additional_channels", d.config.AdditionalChannelIDs,
	)

	<-ctx.Done()

	if err := d.session.Close(); err != nil {
		d.logger.Warn("error closing discord connection", tint.Err(err))
	}
	return nil
}

func (d *Discord) handleReady(ctx context.Context, r *discordgo.Ready) {
	if r.User != nil {
		d.botUserID = r.User.ID
	}
	d.logger.InfoContext(ctx, "discord gateway ready", "user_id", d.botUserID)

	if d.config.StartupMessage != "" {
		_, err := d.session.ChannelMessageSend(
			d.config.ChannelID,
			d.config.StartupMessage,
		)
		if err != nil {
			d.logger.WarnContext(ctx, "error sending startup message", tint.Err(err))
		}
	}
}

// handleMessage relays one channel message to the responder and posts
// the reply. Messages outside the watched channels, from bots, or
// starting with a command prefix are ignored.
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if !d.shouldRelay(m) {
		return
	}
	logger := d.logger.With(
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "relaying message", "content", truncate(m.Content, 100))

	stopTyping := d.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	history := d.channelHistory(ctx, m)

	response, err := d.responder.Respond(ctx, m.Content, history)
	if err != nil {
		logger.ErrorContext(ctx, "error getting response", tint.Err(err))
		d.reply(ctx, m, "Sorry, I couldn't come up with an answer to that one.")
		return
	}

	thinking, answer := splitThinking(response)
	if answer == "" {
		logger.WarnContext(ctx, "empty response from backend")
		return
	}

	stopTyping()

	if d.relay.ShowThinking && thinking != "" {
		for _, section := range chunkMessage("*"+thinking+"*", discordMaxMessageLength) {
			d.send(ctx, m.ChannelID, section)
		}
	}
	for _, section := range chunkMessage(answer, discordMaxMessageLength) {
		d.reply(ctx, m, section)
	}
}

// shouldRelay reports whether a message should be answered.
func (d *Discord) shouldRelay(m *discordgo.MessageCreate) bool {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botUserID {
		return false
	}
	if !d.watchedChannel(m.ChannelID) {
		return false
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return false
	}
	// leading ! and ~ are reserved for other bots' commands
	if strings.HasPrefix(content, "!") || strings.HasPrefix(content, "~") {
		return false
	}
	return true
}

func (d *Discord) watchedChannel(channelID string) bool {
	if channelID == d.config.ChannelID {
		return true
	}
	for _, id := range d.config.AdditionalChannelIDs {
		if channelID == id {
			return true
		}
	}
	return false
}

// startTyping keeps the channel's typing indicator alive until the
// returned stop function is called. Safe to call stop more than once.
func (d *Discord) startTyping(ctx context.Context, channelID string) func() {
	done := make(chan struct{})
	stopped := false

	if err := d.session.ChannelTyping(channelID); err != nil {
		d.logger.DebugContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := d.session.ChannelTyping(channelID); err != nil {
				d.logger.DebugContext(ctx, "error sending typing indicator", tint.Err(err))
			}
		}
	}()

	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}

// channelHistory fetches recent channel messages (oldest first) for use
// as conversation history, excluding the message being answered.
func (d *Discord) channelHistory(
	ctx context.Context,
	m *discordgo.MessageCreate,
) []RelayMessage {
	limit := d.relay.HistoryLimit
	if limit <= 0 {
		return nil
	}
	messages, err := d.session.ChannelMessages(m.ChannelID, limit, m.ID, "", "")
	if err != nil {
		d.logger.WarnContext(ctx, "error fetching channel history", tint.Err(err))
		return nil
	}

	// discord returns newest first
	history := make([]RelayMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Author == nil {
			continue
		}
		if msg.Author.Bot && msg.Author.ID != d.botUserID {
			continue
		}
		history = append(
			history,
			RelayMessage{
				FromBot: msg.Author.ID == d.botUserID,
				Content: msg.Content,
			},
		)
	}
	return history
}

func (d *Discord) reply(ctx context.Context, m *discordgo.MessageCreate, content string) {
	_, err := d.session.ChannelMessageSendReply(m.ChannelID, content, m.Reference())
	if err != nil {
		d.logger.WarnContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (d *Discord) send(ctx context.Context, channelID string, content string) {
	if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
		d.logger.WarnContext(ctx, "error sending message", tint.Err(err))
	}
}

// chunkMessage splits content into sections no longer than limit,
// preferring paragraph breaks, then line breaks, then a hard cut.
func chunkMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= limit {
		return []string{content}
	}

	var sections []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(content[:limit], "\n")
		}
		if cut <= 0 {
			cut = strings.LastIndex(content[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
		}
		section := strings.TrimSpace(content[:cut])
		if section != "" {
			sections = append(sections, section)
		}
		content = strings.TrimSpace(content[cut:])
	}
	if content != "" {
		sections = append(sections, content)
	}
	return sections
}
