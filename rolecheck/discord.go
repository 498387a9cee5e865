package rolecheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// customIDStart is the component custom ID for the intro start button.
	customIDStart = "rolecheck:start"

	// customIDAnswerPrefix prefixes answer buttons; the suffix is the
	// choice index within the session's shuffled order.
	customIDAnswerPrefix = "rolecheck:answer:"

	// discordMaxChoicesPerRow keeps choice buttons readable on mobile.
	// Discord allows 5 per action row, but long Japanese labels wrap badly.
	discordMaxChoicesPerRow = 2

	commandOptionUser   = "user"
	commandOptionForce  = "force"
	commandOptionReason = "reason"

	embedColorIntro     = 0x5865F2
	embedColorQuestion  = 0x2A9D8F
	embedColorResult    = 0xE9C46A
	embedColorCancelled = 0x6C757D

	customStatusReady = "ロール診断 受付中"
)

// sessionHandler is the subset of discordgo.Session this bot uses,
// extracted so tests can substitute a mock. *discordgo.Session satisfies
// it directly.
type sessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ApplicationCommandBulkOverwrite overwrites the bot's slash commands
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's custom status text
	UpdateCustomStatus(status string) error

	// UserChannelCreate opens (or returns) a DM channel with the user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelMessageSendComplex sends a rich message to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits a previously sent message in place
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMember returns a guild member, including their role IDs
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// GuildMemberRoleAdd grants a role to a guild member
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberRoleRemove revokes a role from a guild member
	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// GuildRoles lists the guild's roles
	GuildRoles(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message to an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Discord manages the gateway session: command registration, lifecycle
// handlers and interaction dispatch into the engine.
type Discord struct {
	session sessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	engine  *Engine

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, errors.New("discord token required")
	}
	return &Discord{
		config:             config,
		removeHandlerFuncs: []func(){},
	}, nil
}

// newSession creates the underlying discordgo session. State tracking is
// disabled: every member/role read during finalization must hit the API,
// not a possibly stale cache. Logging goes through the package-level
// discordgo.Logger, installed in New; LogDebug defers filtering to the
// slog handler behind it.
func (d *Discord) newSession() (sessionHandler, error) {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.SyncEvents = true
	session.StateEnabled = false
	session.Identify.Intents = d.config.GatewayIntents
	session.LogLevel = discordgo.LogDebug
	return session, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		if err := d.session.UpdateCustomStatus(customStatusReady); err != nil {
			d.logger.Warn("error setting custom status", tint.Err(err))
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// appCommandCheck is `/rolecheck`: start a diagnostic for the given
// member. Admin-only via default member permissions.
func (*Discord) appCommandCheck() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandCheck,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "指定メンバーにロール診断DMを送ります",
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        commandOptionUser,
				Description: "診断対象のメンバー",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionForce,
				Description: "診断済みでも再診断する（前回の記録を上書き）",
			},
		},
	}
}

// appCommandCancel is `/rolecheck_cancel`: terminate one member's
// in-flight diagnostic.
func (*Discord) appCommandCancel() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandCancel,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "指定メンバーの進行中の診断を中断します",
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        commandOptionUser,
				Description: "中断対象のメンバー",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionReason,
				Description: "中断理由",
			},
		},
	}
}

// appCommandWipe is `/rolecheck_cancel_all`: terminate every in-flight
// diagnostic.
func (*Discord) appCommandWipe() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandWipe,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "進行中の診断をすべて中断します",
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionReason,
				Description: "中断理由",
			},
		},
	}
}

// appCommandReload is `/rolecheck_reload`: re-read the question
// catalogue from disk.
func (*Discord) appCommandReload() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandReload,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "質問カタログを再読み込みします（診断中は不可）",
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmPerm,
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandCheck(),
		d.appCommandCancel(),
		d.appCommandWipe(),
		d.appCommandReload(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

// handlerInteractionCreate dispatches slash commands and component
// presses into the engine. Component presses are acked with a deferred
// message update first, since the engine edits the dialog itself.
func (d *Discord) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			d.handleCommand(ctx, i)
		case discordgo.InteractionMessageComponent:
			d.handleComponent(ctx, i)
		default:
			d.logger.Warn("unhandled interaction type", "type", i.Type)
		}
	}
}

func (d *Discord) handleCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	invoker := interactionUser(i)
	data := i.ApplicationCommandData()
	log := d.logger.With(
		"command", data.Name,
		"invoked_by", invoker.Name,
	)

	if err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		log.Error("error acknowledging command", tint.Err(err))
		return
	}

	var reply string
	switch data.Name {
	case DiscordSlashCommandCheck:
		reply = d.commandCheck(ctx, i, invoker)
	case DiscordSlashCommandCancel:
		reply = d.commandCancel(ctx, i, invoker)
	case DiscordSlashCommandWipe:
		reply = d.commandWipe(ctx, i, invoker)
	case DiscordSlashCommandReload:
		reply = d.commandReload(ctx)
	default:
		log.Warn("unknown command")
		reply = "未知のコマンドです"
	}

	if _, err := d.session.FollowupMessageCreate(
		i.Interaction, true, &discordgo.WebhookParams{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	); err != nil {
		log.Error("error sending command followup", tint.Err(err))
	}
}

func (d *Discord) commandCheck(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	invoker UserRef,
) string {
	data := i.ApplicationCommandData()
	var target UserRef
	force := false
	for _, opt := range data.Options {
		switch opt.Name {
		case commandOptionUser:
			target.ID = opt.UserValue(nil).ID
		case commandOptionForce:
			force = opt.BoolValue()
		}
	}
	if u, ok := data.Resolved.Users[target.ID]; ok {
		target.Name = u.Username
		if u.Bot {
			return "Botは診断対象にできません"
		}
	}

	err := d.engine.StartDiagnostic(ctx, target, invoker, force)
	switch {
	case err == nil:
		return fmt.Sprintf("<@%s> に診断DMを送信しました", target.ID)
	case errors.Is(err, ErrAlreadyInProgress):
		return fmt.Sprintf("<@%s> は診断中です", target.ID)
	case errors.Is(err, ErrAlreadyCompleted):
		return fmt.Sprintf(
			"<@%s> は診断済みです。再診断するには `%s: True` を付けてください",
			target.ID, commandOptionForce,
		)
	default:
		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) {
			return fmt.Sprintf("<@%s> にDMを送信できませんでした（DM拒否設定の可能性）", target.ID)
		}
		return "診断を開始できませんでした: " + err.Error()
	}
}

func (d *Discord) commandCancel(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	invoker UserRef,
) string {
	data := i.ApplicationCommandData()
	var targetID string
	reason := "管理者による中断"
	for _, opt := range data.Options {
		switch opt.Name {
		case commandOptionUser:
			targetID = opt.UserValue(nil).ID
		case commandOptionReason:
			reason = opt.StringValue()
		}
	}
	if d.engine.CancelDiagnostic(ctx, targetID, reason, invoker) {
		return fmt.Sprintf("<@%s> の診断を中断しました", targetID)
	}
	return fmt.Sprintf("<@%s> に進行中の診断はありません", targetID)
}

func (d *Discord) commandWipe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	invoker UserRef,
) string {
	reason := "管理者による一括中断"
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == commandOptionReason {
			reason = opt.StringValue()
		}
	}
	count := d.engine.CancelAllDiagnostics(ctx, reason, invoker)
	return fmt.Sprintf("%d 件の診断を中断しました", count)
}

func (d *Discord) commandReload(ctx context.Context) string {
	count, maxScore, err := d.engine.ReloadQuestionSet(ctx)
	switch {
	case errors.Is(err, ErrReloadBlocked):
		return fmt.Sprintf(
			"診断中のため再読み込みできません（進行中: %d 件）",
			d.engine.ActiveSessionCount(),
		)
	case err != nil:
		return "再読み込みに失敗しました（既存の質問を継続使用します）: " + err.Error()
	default:
		return fmt.Sprintf("質問を再読み込みしました（%d 問 / 最大 %d 点）", count, maxScore)
	}
}

func (d *Discord) handleComponent(ctx context.Context, i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	customID := i.MessageComponentData().CustomID
	log := d.logger.With("custom_id", customID, "user_id", user.ID)

	// ack first: the engine edits the dialog message itself, so the
	// interaction needs nothing beyond a deferred update
	if err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	); err != nil {
		log.Error("error acknowledging component", tint.Err(err))
		return
	}

	switch {
	case customID == customIDStart:
		if err := d.engine.ConfirmStart(ctx, user.ID); err != nil {
			log.Warn("start press rejected", tint.Err(err))
		}
	case strings.HasPrefix(customID, customIDAnswerPrefix):
		idx, err := strconv.Atoi(strings.TrimPrefix(customID, customIDAnswerPrefix))
		if err != nil {
			log.Warn("malformed answer custom ID")
			return
		}
		if err = d.engine.Answer(ctx, user.ID, idx); err != nil {
			log.Warn("answer press rejected", tint.Err(err))
		}
	default:
		log.Warn("unknown component custom ID")
	}
}

// interactionUser extracts the acting user from either a guild
// interaction (Member) or a DM interaction (User).
func interactionUser(i *discordgo.InteractionCreate) UserRef {
	var u *discordgo.User
	if i.Member != nil {
		u = i.Member.User
	} else {
		u = i.User
	}
	if u == nil {
		return UserRef{}
	}
	return UserRef{ID: u.ID, Name: u.Username}
}

// restErrorCode extracts the discord API error code from err, or 0.
func restErrorCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code
	}
	return 0
}

// discordDialog implements DialogSender over the user's DM channel: one
// message sent at session start, edited in place for every later view.
type discordDialog struct {
	session sessionHandler
	logger  *slog.Logger
}

func (dd *discordDialog) SendIntro(
	ctx context.Context,
	userID string,
	intro IntroContent,
) (DialogRef, error) {
	ch, err := dd.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return DialogRef{}, &DeliveryError{UserID: userID, Err: err}
	}

	msg, err := dd.session.ChannelMessageSendComplex(
		ch.ID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       intro.Title,
					Description: intro.Text,
					Color:       embedColorIntro,
				},
			},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "診断をはじめる",
							Style:    discordgo.SuccessButton,
							CustomID: customIDStart,
						},
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		if restErrorCode(err) == discordgo.ErrCodeCannotSendMessagesToThisUser {
			return DialogRef{}, &DeliveryError{UserID: userID, Err: err}
		}
		return DialogRef{}, err
	}
	return DialogRef{ChannelID: ch.ID, MessageID: msg.ID}, nil
}

func (dd *discordDialog) ShowQuestion(
	ctx context.Context,
	ref DialogRef,
	q Question,
	index int,
	total int,
) error {
	rows := choiceButtonRows(q.Choices)
	embeds := []*discordgo.MessageEmbed{
		{
			Title:       fmt.Sprintf("Q%d / %d", index+1, total),
			Description: q.Prompt,
			Color:       embedColorQuestion,
		},
	}
	_, err := dd.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel:    ref.ChannelID,
			ID:         ref.MessageID,
			Embeds:     &embeds,
			Components: &rows,
		},
		discordgo.WithContext(ctx),
	)
	return err
}

func (dd *discordDialog) ShowResult(
	ctx context.Context,
	ref DialogRef,
	result ClassificationResult,
) error {
	desc := fmt.Sprintf(
		"判定: **%s**\nスコア: %d / %d",
		result.Label, result.Score, result.MaxScore,
	)
	if result.ForceOverride {
		desc += "\n（最終判定で ENJOY に調整されました）"
	}
	desc += "\n\nご協力ありがとうございました！"
	return dd.editTerminal(
		ctx, ref, &discordgo.MessageEmbed{
			Title:       "🎉 診断結果",
			Description: desc,
			Color:       embedColorResult,
		},
	)
}

func (dd *discordDialog) ShowCancelled(
	ctx context.Context,
	ref DialogRef,
	reason string,
) error {
	return dd.editTerminal(
		ctx, ref, &discordgo.MessageEmbed{
			Title:       "診断終了",
			Description: reason + "\nロールの変更は行われていません。",
			Color:       embedColorCancelled,
		},
	)
}

// editTerminal replaces the dialog with a final embed and strips every
// interactive control.
func (dd *discordDialog) editTerminal(
	ctx context.Context,
	ref DialogRef,
	embed *discordgo.MessageEmbed,
) error {
	embeds := []*discordgo.MessageEmbed{embed}
	components := []discordgo.MessageComponent{}
	_, err := dd.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel:    ref.ChannelID,
			ID:         ref.MessageID,
			Embeds:     &embeds,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		dd.logger.Warn(
			"error editing dialog to terminal view",
			"channel_id", ref.ChannelID,
			"message_id", ref.MessageID,
			tint.Err(err),
		)
	}
	return err
}

func choiceButtonRows(choices []Choice) []discordgo.MessageComponent {
	rows := make([]discordgo.MessageComponent, 0, (len(choices)+1)/discordMaxChoicesPerRow)
	var row discordgo.ActionsRow
	for idx, c := range choices {
		row.Components = append(
			row.Components, discordgo.Button{
				Label:    c.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: customIDAnswerPrefix + strconv.Itoa(idx),
			},
		)
		if len(row.Components) == discordMaxChoicesPerRow || idx == len(choices)-1 {
			rows = append(rows, row)
			row = discordgo.ActionsRow{}
		}
	}
	return rows
}

// discordDirectory implements Directory against the guild REST API.
// Lookups bypass the gateway state cache so finalization always sees the
// member's current roles.
type discordDirectory struct {
	session sessionHandler
	guildID string
	logger  *slog.Logger
}

func (dir *discordDirectory) ResolveRole(ctx context.Context, roleID string) error {
	roles, err := dir.session.GuildRoles(dir.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return &DirectoryError{Op: "guild_roles", ID: dir.guildID, Err: err}
	}
	for _, r := range roles {
		if r.ID == roleID {
			return nil
		}
	}
	return &DirectoryError{
		Op:  "resolve_role",
		ID:  roleID,
		Err: errors.New("role not found in guild"),
	}
}

func (dir *discordDirectory) MemberRoleIDs(ctx context.Context, userID string) ([]string, error) {
	member, err := dir.session.GuildMember(dir.guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, &DirectoryError{Op: "guild_member", ID: userID, Err: err}
	}
	return member.Roles, nil
}

func (dir *discordDirectory) AddRole(ctx context.Context, userID, roleID string) error {
	err := dir.session.GuildMemberRoleAdd(
		dir.guildID, userID, roleID, discordgo.WithContext(ctx),
	)
	return dir.wrapRoleErr(userID, roleID, err)
}

func (dir *discordDirectory) RemoveRole(ctx context.Context, userID, roleID string) error {
	err := dir.session.GuildMemberRoleRemove(
		dir.guildID, userID, roleID, discordgo.WithContext(ctx),
	)
	return dir.wrapRoleErr(userID, roleID, err)
}

func (dir *discordDirectory) wrapRoleErr(userID, roleID string, err error) error {
	if err == nil {
		return nil
	}
	if restErrorCode(err) == discordgo.ErrCodeMissingPermissions {
		return &PermissionError{UserID: userID, RoleID: roleID, Err: err}
	}
	return &DirectoryError{Op: "role_mutation", ID: roleID, Err: err}
}
