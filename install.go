package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ============================================================================
// Install Workflow Constants
// ============================================================================

// Exactly two fixed commands; which one runs is decided by the MySQL button.
// The installer script reads INSTALL_MYSQL and prints the markers that
// ExtractRelevantOutput looks for.
const (
	installCommandWithMySQL = "export INSTALL_MYSQL=true TERM=xterm && bash <(wget -qO- https://fivemkit.github.io/installer/install.sh)"
	installCommandPlain     = "export INSTALL_MYSQL=false TERM=xterm && bash <(wget -qO- https://fivemkit.github.io/installer/install.sh)"

	promptTimeout        = 30 * time.Second
	progressEditInterval = 3 * time.Second
)

// ===========================
// Command Registration
// ===========================

func init() {
	// Hidden from everyone by default; server admins grant the installer
	// role access in the integration settings. The handler checks the role
	// again regardless.
	restricted := discord.Permissions(0)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "install",
		Description:              "Install a FiveM server on a remote machine",
		DefaultMemberPermissions: omit.New(&restricted),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "language",
				Description: "Language for bot responses",
				Required:    true,
				Choices: []discord.ApplicationCommandOptionChoiceString{
					{Name: "English", Value: "en"},
					{Name: "Deutsch", Value: "de"},
				},
			},
			discord.ApplicationCommandOptionString{
				Name:        "ip",
				Description: "IPv4 address of the target server",
				Required:    true,
			},
			discord.ApplicationCommandOptionString{
				Name:        "port",
				Description: "SSH port of the target server",
				Required:    true,
			},
			discord.ApplicationCommandOptionString{
				Name:        "user",
				Description: "SSH username",
				Required:    true,
			},
			discord.ApplicationCommandOptionString{
				Name:        "password",
				Description: "SSH password",
				Required:    true,
			},
		},
	}, handleInstall)

	RegisterComponentHandler("install:", handleInstallChoice)
}

// ============================================================================
// Request State
// ============================================================================

// InstallRequest carries one validated invocation through the workflow.
// Immutable after creation except for the MySQL choice filled in by the
// button handler.
type InstallRequest struct {
	Token     string
	Host      string
	Port      string
	User      string
	Password  string
	Lang      string
	Loc       *MessageSet
	UserID    snowflake.ID
	WithMySQL bool
}

type pendingInstall struct {
	req      *InstallRequest
	appID    snowflake.ID
	intToken string
	timer    *time.Timer
}

var pendingInstalls sync.Map // correlation token -> *pendingInstall

var installLimiters sync.Map // user ID -> *rate.Limiter

func allowInstall(userID snowflake.ID) bool {
	v, _ := installLimiters.LoadOrStore(userID, rate.NewLimiter(rate.Every(time.Minute), 2))
	return v.(*rate.Limiter).Allow()
}

func hasInstallRole(roleIDs []snowflake.ID, required snowflake.ID) bool {
	for _, rid := range roleIDs {
		if rid == required {
			return true
		}
	}
	return false
}

type claimResult int

const (
	claimOK claimResult = iota
	claimExpired
	claimWrongUser
)

// registerPendingInstall stores a request awaiting its button choice and arms
// the prompt timeout. onTimeout runs only if the request is still unclaimed
// when the timeout fires.
func registerPendingInstall(p *pendingInstall, timeout time.Duration, onTimeout func(*pendingInstall)) {
	pendingInstalls.Store(p.req.Token, p)
	p.timer = time.AfterFunc(timeout, func() {
		if expired := expirePendingInstall(p.req.Token); expired != nil {
			onTimeout(expired)
		}
	})
}

// expirePendingInstall removes an unclaimed request; nil means it was already
// claimed or expired.
func expirePendingInstall(token string) *pendingInstall {
	v, ok := pendingInstalls.LoadAndDelete(token)
	if !ok {
		return nil
	}
	return v.(*pendingInstall)
}

// claimPendingInstall hands the request to a button click. Only the requester
// may claim, and only once; a second click or a click after the timeout gets
// claimExpired.
func claimPendingInstall(token string, userID snowflake.ID) (*pendingInstall, claimResult) {
	v, ok := pendingInstalls.Load(token)
	if !ok {
		return nil, claimExpired
	}
	p := v.(*pendingInstall)
	if p.req.UserID != userID {
		return nil, claimWrongUser
	}
	if _, ok := pendingInstalls.LoadAndDelete(token); !ok {
		return nil, claimExpired
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, claimOK
}

// ============================================================================
// Slash Command: Authorize -> Validate -> Configure
// ============================================================================

func handleInstall(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	loc := GetLocale(data.String("language"))
	user := event.User()
	token := NewCorrelationToken()

	member := event.Member()
	if member == nil {
		replyEphemeral(event, loc.GuildOnly)
		return
	}

	if !allowInstall(user.ID) {
		LogInstall(MsgInstallRateLimited, token, user.Username)
		replyEphemeral(event, loc.RateLimited)
		return
	}

	if !hasInstallRole(member.RoleIDs, GlobalConfig.InstallRoleID) {
		LogInstall(MsgInstallDenied, token, user.Username)
		replyEphemeral(event, loc.NoPermission)
		return
	}

	host := data.String("ip")
	port := data.String("port")

	if !IsValidIPv4(host) {
		LogInstall(MsgInstallRejected, token, "ip")
		replyEphemeral(event, loc.InvalidIP)
		return
	}
	if !IsValidPort(port) {
		LogInstall(MsgInstallRejected, token, "port")
		replyEphemeral(event, loc.InvalidPort)
		return
	}

	req := &InstallRequest{
		Token:    token,
		Host:     host,
		Port:     port,
		User:     data.String("user"),
		Password: data.String("password"),
		Lang:     data.String("language"),
		Loc:      loc,
		UserID:   user.ID,
	}

	LogInstall(MsgInstallRequested, token, user.Username, user.ID, host, port)

	pending := &pendingInstall{
		req:      req,
		appID:    event.ApplicationID(),
		intToken: event.Token(),
	}
	registerPendingInstall(pending, promptTimeout, func(p *pendingInstall) {
		LogInstall(MsgInstallPromptTimeout, token)
		_, err := event.Client().Rest.UpdateInteractionResponse(p.appID, p.intToken,
			discord.NewMessageUpdateBuilder().
				SetContent(loc.PromptTimedOut).
				SetComponents().
				Build())
		if err != nil {
			LogWarn(MsgInstallProgressFail, token, err)
		}
	})

	err := event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(loc.MySQLPrompt).
		SetEphemeral(true).
		SetComponents(discord.NewActionRow(
			discord.NewButton(discord.ButtonStyleSuccess, loc.ButtonYes, "install:yes:"+token, "", 0),
			discord.NewButton(discord.ButtonStyleDanger, loc.ButtonNo, "install:no:"+token, "", 0),
		)).
		Build())
	if err != nil {
		if expired := expirePendingInstall(token); expired != nil {
			expired.timer.Stop()
		}
		LogError(MsgInstallProgressFail, token, err)
	}
}

func replyEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(true).
		Build())
}

// ============================================================================
// Button Handler: Configure -> Execute
// ============================================================================

func handleInstallChoice(event *events.ComponentInteractionCreate) {
	payload := strings.TrimPrefix(event.Data.CustomID(), "install:")
	choice, token, ok := strings.Cut(payload, ":")
	if !ok {
		return
	}

	pending, result := claimPendingInstall(token, event.User().ID)
	switch result {
	case claimExpired:
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().
			SetContent(GetLocale("en").PromptTimedOut).
			SetEphemeral(true).
			Build())
		return
	case claimWrongUser:
		// Only the requester's click counts; everyone else is silently acked.
		_ = event.DeferUpdateMessage()
		return
	}
	req := pending.req

	req.WithMySQL = choice == "yes"
	LogInstall(MsgInstallChoice, token, req.WithMySQL)

	_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
		SetContent(fmt.Sprintf(req.Loc.MySQLSelected, choice)).
		SetComponents().
		Build())

	runInstall(event.Client(), event.ApplicationID(), event.Token(), req)
}

// ============================================================================
// Execute -> Streaming -> Reporting
// ============================================================================

// streamProgressLoop edits the progress message with the latest chunk of the
// buffered output until stop closes. It returns only after any in-flight edit
// has completed, so the caller can sequence the completion message behind it.
func streamProgressLoop(interval time.Duration, stop <-chan struct{}, snapshot func() string, edit func(latestChunk string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			raw := snapshot()
			if raw == "" {
				continue
			}
			chunks := ChunkOutput(CleanOutput(raw), MaxOutputChunkLength)
			edit(chunks[len(chunks)-1])
		}
	}
}

func runInstall(client *bot.Client, appID snowflake.ID, intToken string, req *InstallRequest) {
	loc := req.Loc
	token := req.Token

	editProgress := func(update discord.MessageUpdate) {
		if _, err := client.Rest.UpdateInteractionResponse(appID, intToken, update); err != nil {
			LogWarn(MsgInstallProgressFail, token, err)
		}
	}
	editContent := func(content string) {
		editProgress(discord.NewMessageUpdateBuilder().SetContent(content).Build())
	}

	// Late failures past this point still owe the requester a
	// correlation-tagged reply and an error-channel record.
	defer func() {
		if r := recover(); r != nil {
			LogError(MsgInstallInternal, token, r)
			reportFailure(client, req, fmt.Errorf("%v", r))
			editContent(fmt.Sprintf(loc.InternalError, token))
		}
	}()

	editContent(loc.Connecting)

	sess, cerr := ConnectSession(token, req.Host, req.Port, req.User, req.Password)
	if cerr != nil {
		LogInstall(MsgInstallConnectFail, token, cerr.Kind, cerr.Err)
		var userMsg string
		switch cerr.Kind {
		case ConnErrorAuth:
			userMsg = fmt.Sprintf(loc.AuthErrorHint, token)
		case ConnErrorNetwork:
			userMsg = fmt.Sprintf(loc.NetworkErrorHint, token)
		default:
			userMsg = fmt.Sprintf(loc.ConnErrorGeneric, token)
		}
		reportFailure(client, req, cerr)
		editContent(userMsg)
		return
	}
	defer sess.Close()

	command := installCommandPlain
	if req.WithMySQL {
		command = installCommandWithMySQL
	}

	// Stderr arrives from the transport's own goroutine, so the buffer
	// needs a lock even though stdout is read sequentially.
	var bufMu sync.Mutex
	var buf bytes.Buffer
	onData := func(chunk []byte) {
		bufMu.Lock()
		buf.Write(chunk)
		bufMu.Unlock()
	}

	// While the command streams, keep the ephemeral reply showing only the
	// latest chunk of cleaned output.
	streamDone := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		streamProgressLoop(progressEditInterval, streamDone,
			func() string {
				bufMu.Lock()
				defer bufMu.Unlock()
				return buf.String()
			},
			func(latest string) {
				editContent(loc.InstallRunning + "\n```\n" + Truncate(latest, MaxOutputChunkLength) + "\n```")
			})
	}()

	runErr := sess.Run(command, onData)
	close(streamDone)
	<-progressDone
	sess.Close()

	if runErr != nil {
		LogInstall(MsgInstallExecFail, token, runErr)
		reportFailure(client, req, runErr)
		editContent(fmt.Sprintf(loc.ExecError, token))
		return
	}

	bufMu.Lock()
	raw := buf.String()
	bufMu.Unlock()
	LogInstall(MsgInstallStreamDone, token, len(raw))

	reportSuccess(client, req, editProgress, raw)
}

// ============================================================================
// Report Fan-Out
// ============================================================================

func reportSuccess(client *bot.Client, req *InstallRequest, editProgress func(discord.MessageUpdate), raw string) {
	loc := req.Loc
	token := req.Token
	cfg := GlobalConfig

	text := ExtractRelevantOutput(CleanOutput(raw))
	defer Cleanup(token)

	var txtData []byte
	if path, err := WriteText(token, text); err != nil {
		LogWarn(MsgRenderTextFail, token, err)
		txtData = []byte(text)
	} else {
		txtData, _ = os.ReadFile(path)
	}

	var imgData []byte
	if path, err := RenderImage(AppContext, token, text); err != nil {
		LogWarn(MsgRenderFail, token, err)
	} else {
		imgData, _ = os.ReadFile(path)
	}

	files := func() []*discord.File {
		out := []*discord.File{
			discord.NewFile("output.txt", "", bytes.NewReader(txtData)),
		}
		if len(imgData) > 0 {
			out = append(out, discord.NewFile("output.png", "", bytes.NewReader(imgData)))
		}
		return out
	}

	// (a) Ephemeral completion notice with attachments.
	editProgress(discord.NewMessageUpdateBuilder().
		SetContent(fmt.Sprintf(loc.InstallComplete, token)).
		SetFiles(files()...).
		Build())

	// (b) Direct message with attachments. Blocked DMs are logged only.
	if dm, err := client.Rest.CreateDMChannel(req.UserID, rest.WithCtx(AppContext)); err != nil {
		LogWarn(MsgInstallDMFail, token, err)
	} else {
		_, err = client.Rest.CreateMessage(dm.ID(), discord.NewMessageCreateBuilder().
			SetContent(fmt.Sprintf(loc.DMHeader, req.Host)).
			SetFiles(files()...).
			Build(), rest.WithCtx(AppContext))
		if err != nil {
			LogWarn(MsgInstallDMFail, token, err)
		}
	}

	// (c) Public announcement. No connection details at all.
	_, err := client.Rest.CreateMessage(cfg.AnnounceChannelID, discord.NewMessageCreateBuilder().
		SetContent(fmt.Sprintf(loc.Announcement, discord.UserMention(req.UserID))).
		Build(), rest.WithCtx(AppContext))
	if err != nil {
		LogWarn(MsgInstallAnnounceFail, token, err)
	}

	// (d) Audit record with spoilered connection details. Never the password.
	audit := fmt.Sprintf("Installation `%s` completed by %s\nHost: ||%s:%s||\nUser: ||%s||\nMySQL: %v",
		token, discord.UserMention(req.UserID), req.Host, req.Port, req.User, req.WithMySQL)
	_, err = client.Rest.CreateMessage(cfg.AuditChannelID, discord.NewMessageCreateBuilder().
		SetContent(audit).
		SetFiles(files()...).
		Build(), rest.WithCtx(AppContext))
	if err != nil {
		LogWarn(MsgInstallAuditFail, token, err)
	}

	// Statistics move only after every delivery was attempted.
	Stats.RecordSuccess(req.WithMySQL)
	LogInstall(MsgInstallCompleted, token)
}

// reportFailure posts full detail to the error channel and records the error
// under its message text. The user-facing reply is the caller's business.
func reportFailure(client *bot.Client, req *InstallRequest, cause error) {
	token := req.Token

	detail := fmt.Sprintf("Installation `%s` failed for %s\nHost: ||%s:%s||\nUser: ||%s||\n```\n%s\n```",
		token, discord.UserMention(req.UserID), req.Host, req.Port, req.User, Truncate(cause.Error(), 1500))
	_, err := client.Rest.CreateMessage(GlobalConfig.ErrorChannelID, discord.NewMessageCreateBuilder().
		SetContent(detail).
		Build(), rest.WithCtx(AppContext))
	if err != nil {
		LogWarn(MsgInstallErrorPostFail, token, err)
	}

	Stats.RecordError(cause.Error())
}
