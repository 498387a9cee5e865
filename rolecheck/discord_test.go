package rolecheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession implements sessionHandler with function hooks, recording
// sent and edited messages.
type mockSession struct {
	mu sync.Mutex

	sent   []*discordgo.MessageSend
	edited []*discordgo.MessageEdit

	userChannelCreateErr error
	sendErr              error
	editErr              error
	roleAddErr           error
	roleRemoveErr        error
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(any) func() { return func() {} }

func (m *mockSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockSession) UpdateCustomStatus(string) error { return nil }

func (m *mockSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.userChannelCreateErr != nil {
		return nil, m.userChannelCreateErr
	}
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, data)
	return &discordgo.Message{ID: "sent", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edited = append(m.edited, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (m *mockSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return &discordgo.Member{User: &discordgo.User{ID: userID}}, nil
}

func (m *mockSession) GuildMemberRoleAdd(
	_, _, _ string,
	_ ...discordgo.RequestOption,
) error {
	return m.roleAddErr
}

func (m *mockSession) GuildMemberRoleRemove(
	_, _, _ string,
	_ ...discordgo.RequestOption,
) error {
	return m.roleRemoveErr
}

func (m *mockSession) GuildRoles(
	string,
	...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return []*discordgo.Role{{ID: testEnjoyRoleID}, {ID: testGachiRoleID}}, nil
}

func (m *mockSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockSession) FollowupMessageCreate(
	*discordgo.Interaction,
	bool,
	*discordgo.WebhookParams,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func restError(code int) error {
	return &discordgo.RESTError{Message: &discordgo.APIErrorMessage{Code: code}}
}

// TestNewSessionDefaults verifies the gateway session dispatches events
// synchronously with state tracking off, logging through the
// package-level discordgo logger.
func TestNewSessionDefaults(t *testing.T) {
	d, err := newDiscord(
		&DiscordConfig{
			Token:          "token",
			GatewayIntents: discordgo.IntentsGuilds | discordgo.IntentsGuildMembers,
		},
	)
	require.NoError(t, err)

	h, err := d.newSession()
	require.NoError(t, err)

	session, ok := h.(*discordgo.Session)
	require.True(t, ok)
	assert.True(t, session.SyncEvents)
	assert.False(t, session.StateEnabled)
	assert.Equal(
		t,
		discordgo.IntentsGuilds|discordgo.IntentsGuildMembers,
		session.Identify.Intents,
	)
	assert.Equal(t, discordgo.LogDebug, session.LogLevel)
}

func TestChoiceButtonRows(t *testing.T) {
	choices := []Choice{
		{Label: "a", Score: 3},
		{Label: "b", Score: 2},
		{Label: "c", Score: 1},
		{Label: "d", Score: 0},
	}
	rows := choiceButtonRows(choices)
	require.Len(t, rows, 2)

	first, ok := rows[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, first.Components, 2)

	btn, ok := first.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "a", btn.Label)
	assert.Equal(t, customIDAnswerPrefix+"0", btn.CustomID)

	// odd counts leave a short trailing row
	rows = choiceButtonRows(choices[:3])
	require.Len(t, rows, 2)
	last, ok := rows[1].(discordgo.ActionsRow)
	require.True(t, ok)
	assert.Len(t, last.Components, 1)
}

func TestInteractionUser(t *testing.T) {
	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "u1", Username: "taro"},
			},
		},
	}
	assert.Equal(t, UserRef{ID: "u1", Name: "taro"}, interactionUser(guild))

	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "u2", Username: "jiro"},
		},
	}
	assert.Equal(t, UserRef{ID: "u2", Name: "jiro"}, interactionUser(dm))

	assert.Equal(
		t,
		UserRef{},
		interactionUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}),
	)
}

func TestRestErrorCode(t *testing.T) {
	assert.Equal(t, 0, restErrorCode(errors.New("plain")))
	assert.Equal(
		t,
		discordgo.ErrCodeMissingPermissions,
		restErrorCode(restError(discordgo.ErrCodeMissingPermissions)),
	)
}

func TestDialogSendIntro(t *testing.T) {
	session := &mockSession{}
	dd := &discordDialog{session: session, logger: slog.Default()}

	ref, err := dd.SendIntro(context.Background(), "u1", DefaultIntro())
	require.NoError(t, err)
	assert.Equal(t, "dm-u1", ref.ChannelID)
	assert.Equal(t, "sent", ref.MessageID)

	require.Len(t, session.sent, 1)
	require.Len(t, session.sent[0].Components, 1)
}

// TestDialogSendIntroClosedDMs verifies the "cannot send messages to
// this user" API error surfaces as a DeliveryError so the engine rolls
// the session back.
func TestDialogSendIntroClosedDMs(t *testing.T) {
	session := &mockSession{
		sendErr: restError(discordgo.ErrCodeCannotSendMessagesToThisUser),
	}
	dd := &discordDialog{session: session, logger: slog.Default()}

	_, err := dd.SendIntro(context.Background(), "u1", DefaultIntro())
	require.Error(t, err)

	var deliveryErr *DeliveryError
	assert.ErrorAs(t, err, &deliveryErr)
}

func TestDirectoryResolveRole(t *testing.T) {
	dir := &discordDirectory{
		session: &mockSession{},
		guildID: "g1",
		logger:  slog.Default(),
	}
	ctx := context.Background()

	assert.NoError(t, dir.ResolveRole(ctx, testEnjoyRoleID))

	err := dir.ResolveRole(ctx, "role-unknown")
	require.Error(t, err)
	var dirErr *DirectoryError
	assert.ErrorAs(t, err, &dirErr)
}

// TestDirectoryPermissionError verifies a missing-permissions API error
// on role mutation maps to PermissionError.
func TestDirectoryPermissionError(t *testing.T) {
	dir := &discordDirectory{
		session: &mockSession{
			roleAddErr: restError(discordgo.ErrCodeMissingPermissions),
		},
		guildID: "g1",
		logger:  slog.Default(),
	}
	err := dir.AddRole(context.Background(), "u1", testEnjoyRoleID)
	require.Error(t, err)

	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, testEnjoyRoleID, permErr.RoleID)
}

func TestNotifierNoDestination(t *testing.T) {
	session := &mockSession{}
	n := newDiscordNotifier(session, &DiscordConfig{}, 10, slog.Default())

	n.Notify(context.Background(), Escalation{Title: "t"})
	assert.Equal(t, 0, session.sentCount())
}

// TestNotifierDelivery verifies escalations go to both the log channel
// and the operator DM when both are configured.
func TestNotifierDelivery(t *testing.T) {
	session := &mockSession{}
	n := newDiscordNotifier(
		session,
		&DiscordConfig{LogChannelID: "log-ch", OperatorUserID: "op"},
		10,
		slog.Default(),
	)

	n.Notify(
		context.Background(), Escalation{
			Title:  "ロール診断 タイムアウト",
			Origin: "expiry",
			UserID: "u1",
			Session: &SessionSnapshot{
				Index: 3, Score: 5, MaxScore: 9, Total: 3,
				Recent: []AnswerTrace{{Choice: "a", Score: 2}},
			},
		},
	)
	assert.Equal(t, 2, session.sentCount())
	assert.Contains(t, session.sent[0].Embeds[0].Title, "タイムアウト")
}

// TestNotifierRateLimit verifies floods beyond the burst are dropped
// instead of hammering the API.
func TestNotifierRateLimit(t *testing.T) {
	session := &mockSession{}
	n := newDiscordNotifier(
		session,
		&DiscordConfig{LogChannelID: "log-ch"},
		1,
		slog.Default(),
	)

	for i := 0; i < escalationBurst*3; i++ {
		n.Notify(context.Background(), Escalation{Title: "flood"})
	}
	assert.Equal(t, escalationBurst, session.sentCount())
}

// TestNotifierSwallowsErrors verifies delivery failures never propagate
// to the caller.
func TestNotifierSwallowsErrors(t *testing.T) {
	session := &mockSession{sendErr: errors.New("api down")}
	n := newDiscordNotifier(
		session,
		&DiscordConfig{LogChannelID: "log-ch", OperatorUserID: "op"},
		10,
		slog.Default(),
	)

	assert.NotPanics(
		t, func() {
			n.Notify(context.Background(), Escalation{Title: "t"})
		},
	)
}

func TestSummaryLine(t *testing.T) {
	recent := []AnswerTrace{{Choice: "a", Score: 3}, {Choice: "b", Score: 0}}
	assert.Equal(t, "Q4=3点 / Q5=0点", summaryLine(recent, 5))
	assert.Equal(t, "(no answers)", summaryLine(nil, 0))
	assert.Equal(t, "Q4=3点: a\nQ5=0点: b", recentAnswerLines(recent, 5))
}

// TestRegisterCommands verifies all four admin commands are registered.
func TestRegisterCommands(t *testing.T) {
	d := &Discord{
		session: &mockSession{},
		config:  &DiscordConfig{ApplicationID: "app", GuildID: "g1"},
		logger:  slog.Default(),
	}
	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 4)

	names := make([]string, len(created))
	for i, c := range created {
		names[i] = c.Name
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandCheck,
			DiscordSlashCommandCancel,
			DiscordSlashCommandWipe,
			DiscordSlashCommandReload,
		},
		names,
	)
}
