package router

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/observability"
	"github.com/danmuck/consoled/internal/protocol"
)

// AUTH and SET option keys.
const (
	OptUsername = "username"
	OptPassword = "password"
	OptLocale   = "locale"
)

// GET queries and their options.
const (
	getModulesList    = "modules/list"
	getCategoriesList = "categories/list"
	getSyntaxVerify   = "syntax/verification"
	OptSyntax         = "syntax"
	OptValue          = "value"
)

const exitInternal = "internal"

func (c *conn) dispatch(msg *protocol.Message) {
	if !msg.IsRequest() {
		c.respond(protocol.NewProtocolErrorResponse(protocol.StatusBadRequest, "expected a request"))
		return
	}
	if !protocol.ValidClientID(msg.ID) {
		c.respond(protocol.NewProtocolErrorResponse(protocol.StatusBadRequest, fmt.Sprintf("request id %d is out of range", msg.ID)))
		return
	}
	if !c.sess.Authenticated() && msg.Command != protocol.CmdAuth {
		c.reply(msg, protocol.StatusUnauthenticated, "authentication required")
		return
	}
	if !c.sess.Track(msg) {
		// Answering with the duplicate id would complete the original.
		c.respond(protocol.NewProtocolErrorResponse(protocol.StatusBadRequest, fmt.Sprintf("request %d is already pending", msg.ID)))
		return
	}
	c.log.Debug().Stringer("msg", msg).Msg("request")

	switch msg.Command {
	case protocol.CmdAuth:
		c.handleAuth(msg)
	case protocol.CmdSet:
		c.handleSet(msg)
	case protocol.CmdGet:
		c.handleGet(msg)
	case protocol.CmdVersion:
		c.handleVersion(msg)
	case protocol.CmdExit:
		c.handleExit(msg)
	case protocol.CmdUpload:
		c.handleUpload(msg)
	default:
		c.handleCommand(msg)
	}
}

// handleAuth runs the authenticator off the reactor thread; bcrypt and
// remote backends are slow.
func (c *conn) handleAuth(msg *protocol.Message) {
	if !c.sess.AllowAuth() {
		observability.RecordAuthFailure("rate_limited")
		c.log.Warn().Msg("too many authentication attempts")
		c.authFailed(msg, protocol.StatusTooManyAttempts, "too many authentication attempts")
		return
	}
	username := strings.TrimSpace(msg.Option(OptUsername))
	password := msg.Option(OptPassword)
	if username == "" || password == "" {
		observability.RecordAuthFailure("missing_credentials")
		c.authFailed(msg, protocol.StatusAuthFailed, "username and password are required")
		return
	}

	rt := c.rt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.AuthTimeout)
		err := rt.cfg.Auth.Authenticate(ctx, username, password)
		cancel()
		rt.mailbox.Post(func() { c.authenticated(msg, username, password, err) })
	}()
}

func (c *conn) authenticated(msg *protocol.Message, username, password string, err error) {
	if c.binding.Closed() {
		return
	}
	if err != nil {
		observability.RecordAuthFailure("bad_credentials")
		c.log.Warn().Str("user", username).Err(err).Msg("authentication failed")
		c.authFailed(msg, protocol.StatusAuthFailed, "authentication failed")
		return
	}
	if c.sess.Authenticated() {
		// Module processes were configured with the previous identity.
		c.retireModules()
	}
	c.sess.Authenticate(username, password, c.rt.cfg.Policy.For(username))
	c.log = c.rt.log.With().Str("session", c.sess.ID).Str("user", username).Logger()
	c.log.Info().Msg("authenticated")
	c.reply(msg, protocol.StatusSuccess, "")
}

// authFailed answers a rejected AUTH. A session that was authenticated
// before loses its identity and its module processes.
func (c *conn) authFailed(msg *protocol.Message, status int, text string) {
	if c.sess.Authenticated() {
		c.retireModules()
		c.sess.Deauthenticate()
		c.log = c.rt.log.With().Str("session", c.sess.ID).Logger()
		c.log.Info().Msg("session is unauthenticated again")
	}
	c.reply(msg, status, text)
}

func (c *conn) handleSet(msg *protocol.Message) {
	if len(msg.Arguments) > 0 {
		c.reply(msg, protocol.StatusInvalidArguments, "SET takes no arguments")
		return
	}
	if len(msg.Options) == 0 {
		c.reply(msg, protocol.StatusInvalidOptions, "SET requires options")
		return
	}
	for key, value := range msg.Options {
		if key != OptLocale {
			c.reply(msg, protocol.StatusInvalidOptions, fmt.Sprintf("unknown option %q", key))
			return
		}
		locale, err := handler.MatchLocale(value, c.rt.cfg.Locales)
		if err != nil {
			c.log.Warn().Str("locale", value).Msg("locale not available")
			c.reply(msg, protocol.StatusUnavailableLocale, fmt.Sprintf("specified locale is not available: %s", value))
			return
		}
		c.sess.SetLocale(locale)
	}
	c.reply(msg, protocol.StatusSuccess, "")
}

func (c *conn) handleGet(msg *protocol.Message) {
	if len(msg.Arguments) == 0 {
		c.reply(msg, protocol.StatusInvalidArguments, "GET requires a query")
		return
	}
	var body any
	switch msg.Arguments[0] {
	case getModulesList:
		perms := c.sess.Permissions()
		body = map[string]any{
			"modules":    c.rt.cfg.Modules.List(perms.Permits),
			"categories": c.rt.cfg.Modules.Categories(),
		}
	case getCategoriesList:
		body = map[string]any{"categories": c.rt.cfg.Modules.Categories()}
	case getSyntaxVerify:
		syntax, sok := msg.Options[OptSyntax]
		value, vok := msg.Options[OptValue]
		if !sok || !vok {
			c.reply(msg, protocol.StatusInvalidOptions, "syntax and value options are required")
			return
		}
		result := map[string]any{"result": true}
		if err := c.rt.cfg.Modules.VerifySyntax(syntax, value); err != nil {
			result["result"] = false
			result["message"] = err.Error()
		}
		body = result
	default:
		c.reply(msg, protocol.StatusInvalidArguments, "unsupported GET query")
		return
	}
	resp := protocol.NewResponse(msg)
	if err := resp.SetJSONBody(body); err != nil {
		c.reply(msg, protocol.StatusHandlerException, err.Error())
		return
	}
	c.respond(resp)
}

func (c *conn) handleVersion(msg *protocol.Message) {
	resp := protocol.NewResponse(msg)
	_ = resp.SetJSONBody(map[string]string{"version": c.rt.cfg.Version})
	c.respond(resp)
}

// handleExit forwards EXIT to a running module and arms its kill timer.
func (c *conn) handleExit(msg *protocol.Message) {
	if len(msg.Arguments) == 0 || msg.Arguments[0] == "" {
		c.reply(msg, protocol.StatusInvalidArguments, "EXIT requires a module name")
		return
	}
	name := msg.Arguments[0]
	mp, ok := c.modules[name]
	if !ok {
		c.log.Info().Str("module", name).Msg("EXIT for a module that is not running")
		c.reply(msg, protocol.StatusSuccess, fmt.Sprintf("module %s is not running", name))
		return
	}
	mp.exit(msg)
}

func (c *conn) handleCommand(msg *protocol.Message) {
	name := msg.CommandName()
	if name == "" {
		c.reply(msg, protocol.StatusInvalidArguments, "COMMAND requires a command name")
		return
	}
	perms := c.sess.Permissions()
	if !perms.Allowed(name, msg.Options) {
		c.log.Warn().Str("command", name).Msg("command not permitted")
		c.reply(msg, protocol.StatusForbidden, fmt.Sprintf("command %s is not permitted", name))
		return
	}
	module, ok := c.rt.cfg.Modules.Provider(name)
	if !ok {
		c.reply(msg, protocol.StatusUnknownCommand, fmt.Sprintf("no module provides %s", name))
		return
	}
	mp, ok := c.modules[module]
	if ok && mp.exiting {
		// The old process finishes its EXIT on its own; new work goes to a
		// fresh one.
		delete(c.modules, module)
		ok = false
	}
	if !ok {
		var err error
		mp, err = c.rt.startModule(c, module)
		if err != nil {
			c.log.Error().Err(err).Str("module", module).Msg("cannot start module process")
			c.reply(msg, protocol.StatusModuleUnreached, fmt.Sprintf("module %s could not be started", module))
			return
		}
		c.modules[module] = mp
	}
	mp.forward(msg)
}

// permittedFor narrows perms to the rules that match at least one of the
// module's commands; that subset is what the module receives via SET.
func permittedFor(perms *acl.ACL, commands []string) *acl.ACL {
	out := acl.New()
	if perms == nil {
		return out
	}
	for _, rule := range perms.Rules {
		for _, cmd := range commands {
			if ok, _ := path.Match(rule.Command, cmd); ok {
				out.Rules = append(out.Rules, rule)
				break
			}
		}
	}
	return out
}
