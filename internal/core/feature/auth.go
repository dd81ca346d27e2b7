package feature

import (
	"encoding/json"
	"net/textproto"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/auth"
	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// principalAttr keys the authenticated principal on the connection context.
const principalAttr = "auth.principal"

// KickType is the push type sent to a connection displaced by KICK_OLD.
const KickType = "connection.kicked"

// Principal returns the principal authenticated on this connection, if any.
func Principal(ctx *pipeline.Context) (*auth.Principal, bool) {
	v, ok := ctx.Get(principalAttr)
	if !ok {
		return nil, false
	}
	p, ok := v.(*auth.Principal)
	return p, ok
}

// authFeature guards a listener with token or credential authentication.
// Token mode shares one validator cache across the listener's connections;
// credential mode builds a per-connection state machine.
type authFeature struct {
	env pipeline.Env

	once      sync.Once
	validator *auth.TokenValidator
	excludes  auth.Excludes
}

// NewAuth builds the authentication feature.
func NewAuth(env pipeline.Env) pipeline.Feature { return &authFeature{env: env} }

func (f *authFeature) Name() string { return "auth" }
func (f *authFeature) Order() int   { return OrderAuth }

func (f *authFeature) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Auth
	return s != nil && s.Enabled
}

func (f *authFeature) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	s := spec.FeatureSet().Auth
	if f.env.Authenticator == nil {
		return errors.Errorf("server %s: auth enabled but no authenticator provided", spec.Name)
	}
	if s.Mode == config.AuthCredential {
		if f.env.Connections == nil {
			return errors.Errorf("server %s: credential auth requires a connection manager", spec.Name)
		}
		st := &credStage{env: f.env, spec: s}
		p.AddInbound(st)
		p.AddConnHook(st)
		return nil
	}
	f.once.Do(func() {
		f.validator = auth.NewTokenValidator(f.env.Authenticator, s.TokenCacheTTL())
		f.excludes = auth.Excludes(s.ExcludePaths)
	})
	header := s.Header
	if header == "" {
		header = "Authorization"
	}
	// Transport adapters store headers under their canonical MIME form.
	header = textproto.CanonicalMIMEHeaderKey(header)
	p.AddInbound(&tokenStage{
		validator: f.validator,
		excludes:  f.excludes,
		header:    header,
	})
	return nil
}

// tokenStage re-authenticates every request from a header token. Excluded
// routes bypass it entirely, header extraction included.
type tokenStage struct {
	validator *auth.TokenValidator
	excludes  auth.Excludes
	header    string
}

func (s *tokenStage) Name() string { return "auth-token" }

func (s *tokenStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	if s.excludes.Match(in.RouteKey) {
		return in, nil
	}
	token := stripBearer(in.Header(s.header))
	if token == "" {
		_ = ctx.Reply(in, message.Fail(401, "MISSING_TOKEN", "authentication token required"))
		in.Release()
		return nil, nil
	}
	res := s.validator.Validate(ctx.RequestContext(), token)
	if !res.Success {
		_ = ctx.Reply(in, message.Fail(401, failCode(res.Code), failMessage(res.Message)))
		in.Release()
		return nil, nil
	}
	ctx.Set(principalAttr, res.Principal)
	return in, nil
}

func stripBearer(v string) string {
	const prefix = "bearer "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return strings.TrimSpace(v)
}

func failCode(code string) string {
	if code == "" {
		return "INVALID_TOKEN"
	}
	return code
}

func failMessage(msg string) string {
	if msg == "" {
		return "authentication failed"
	}
	return msg
}

// credStage is the per-connection credential handshake. The auth timer is
// armed at connection open and stopped exactly once, whether by handshake
// outcome or by teardown.
type credStage struct {
	env     pipeline.Env
	spec    *config.AuthSpec
	session *auth.CredSession
}

func (s *credStage) Name() string { return "auth-credential" }

func (s *credStage) OnConnect(ctx *pipeline.Context) error {
	s.session = auth.NewCredSession(s.env.Clock, s.spec.Timeout(), func() {
		_ = ctx.Push(message.Fail(401, "AUTH_TIMEOUT", "authentication timeout"))
		_ = ctx.Close("authentication timeout")
	})
	return nil
}

func (s *credStage) OnClose(*pipeline.Context) {
	s.session.StopTimer()
}

func (s *credStage) OnInbound(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	if in.RouteKey == s.spec.AuthRoute {
		return s.handshake(ctx, in)
	}
	if s.session.State() == auth.StateAuthenticated {
		return in, nil
	}
	_ = ctx.Reply(in, message.Fail(401, "AUTH_REQUIRED", "authenticate before sending requests"))
	in.Release()
	if s.spec.CloseOnFailure {
		return nil, errors.New("request before authentication")
	}
	return nil, nil
}

func (s *credStage) handshake(ctx *pipeline.Context, in *message.Inbound) (*message.Inbound, error) {
	if !s.session.Begin() {
		_ = ctx.Reply(in, message.Fail(409, "ALREADY_AUTHENTICATED", "session is already authenticated"))
		in.Release()
		return nil, nil
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(in.Payload(), &creds); err != nil {
		s.session.Reject()
		_ = ctx.Reply(in, message.Fail(400, "MALFORMED", "malformed credentials payload"))
		in.Release()
		return nil, nil
	}

	res := s.env.Authenticator.AuthenticateCredential(ctx.RequestContext(), creds.Username, creds.Password)
	if !res.Success || res.Principal == nil {
		s.session.Reject()
		_ = ctx.Reply(in, message.Fail(401, failCode(res.Code), failMessage(res.Message)))
		in.Release()
		if s.spec.CloseOnFailure {
			return nil, errors.New("authentication failed")
		}
		return nil, nil
	}

	kicked, err := s.env.Connections.Register(res.Principal.UserID, ctx, s.spec.Policy, s.spec.MaxConnectionsPerUser)
	if err != nil {
		s.session.Reject()
		_ = ctx.Reply(in, message.Fail(403, "CONNECTION_POLICY", err.Error()))
		in.Release()
		return nil, errors.Wrap(err, "connection policy")
	}
	for _, old := range kicked {
		s.kick(ctx, old)
	}

	s.session.Grant(res.Principal)
	ctx.Set(principalAttr, res.Principal)
	ctx.Log().Info("authenticated",
		log.String("user", res.Principal.UserID),
		log.Int("kicked", len(kicked)))
	_ = ctx.Reply(in, message.OK(map[string]any{
		"authenticated": true,
		"userId":        res.Principal.UserID,
	}))
	in.Release()
	return nil, nil
}

func (s *credStage) kick(ctx *pipeline.Context, old auth.Session) {
	notice := message.OK(map[string]string{
		"reason":  "kicked",
		"message": "connection replaced by a newer login",
	})
	notice.SetHeader(message.TypeHeader, KickType)
	_ = old.Push(notice)
	_ = old.Close("kicked by newer login")
	if s.env.Metrics != nil {
		s.env.Metrics.KickedTotal.WithLabelValues(ctx.ServerName()).Inc()
	}
}
