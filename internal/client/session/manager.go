package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// API is the authentication surface of the backend client.
type API interface {
	TokenAPI
	Register(ctx context.Context, username, password string) (models.User, error)
	Login(ctx context.Context, username, password string) (models.User, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (models.User, error)
	SetTokens(access, refresh string)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	API    API
	Store  *state.Store
	Tokens TokenStore
	Clock  clock.Clock
	Log    logging.Logger
	// NewKeyring builds the keyring installed for each signed-in user.
	NewKeyring func() *cryptox.Keyring
	Skew       time.Duration
}

// Manager drives sign-in, resume and sign-out.
type Manager struct {
	api        API
	store      *state.Store
	tokens     TokenStore
	log        logging.Logger
	newKeyring func() *cryptox.Keyring
	validator  *Validator

	// mu serializes the session transitions.
	mu sync.Mutex
}

func NewManager(d Deps) *Manager {
	if d.Log == nil {
		d.Log = logging.NewDiscard()
	}
	if d.Tokens == nil {
		d.Tokens = NopTokenStore{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.NewKeyring == nil {
		d.NewKeyring = func() *cryptox.Keyring {
			return cryptox.NewKeyring(cryptox.NewEngine(cryptox.PBKDF2{}),
				cryptox.NewLockout(d.Clock, cryptox.DefaultLockoutThreshold, cryptox.DefaultLockoutDuration))
		}
	}
	if d.Skew == 0 {
		d.Skew = DefaultRefreshSkew
	}
	return &Manager{
		api:        d.API,
		store:      d.Store,
		tokens:     d.Tokens,
		log:        d.Log.With("module", "session"),
		newKeyring: d.NewKeyring,
		validator:  NewValidator(d.API, d.Clock, d.Skew),
	}
}

// Check validates the session; see Validator.Check.
func (m *Manager) Check(ctx context.Context) error {
	return m.validator.Check(ctx)
}

// SignIn authenticates and installs the session.
func (m *Manager) SignIn(ctx context.Context, username, password string) (models.User, error) {
	return m.authenticate(ctx, "login", func() (models.User, error) {
		return m.api.Login(ctx, username, password)
	})
}

// SignUp registers a new account and installs its session.
func (m *Manager) SignUp(ctx context.Context, username, password string) (models.User, error) {
	return m.authenticate(ctx, "register", func() (models.User, error) {
		return m.api.Register(ctx, username, password)
	})
}

func (m *Manager) authenticate(ctx context.Context, op string, fn func() (models.User, error)) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, err := fn()
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}
	m.install(ctx, user)
	m.log.Info(ctx, "signed in", "user_id", user.ID)
	return user, nil
}

// Resume restores the session persisted by an earlier run. It returns
// common.ErrNoSession when nothing usable is stored.
func (m *Manager) Resume(ctx context.Context) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.tokens.Load()
	if err != nil {
		return models.User{}, err
	}
	if t.Empty() {
		return models.User{}, common.ErrNoSession
	}
	m.api.SetTokens(t.AccessToken, t.RefreshToken)

	if err := m.validator.Check(ctx); err != nil {
		if !errors.Is(err, common.ErrUnavailable) {
			m.api.SetTokens("", "")
			_ = m.tokens.Clear()
		}
		return models.User{}, err
	}

	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("resume: %w", err)
	}
	m.install(ctx, user)
	m.log.Info(ctx, "session resumed", "user_id", user.ID)
	return user, nil
}

// install publishes the session and a fresh keyring. The previous keyring,
// if any, is zeroed.
func (m *Manager) install(ctx context.Context, user models.User) {
	prev := state.Get(m.store, state.Keyring)

	m.store.Batch(
		state.Assign(state.CurrentUser, user),
		state.Assign(state.Session, m.sessionFromTokens(ctx, user.ID)),
		state.Assign(state.Keyring, m.newKeyring()),
	)
	if prev != nil {
		prev.Zero()
	}
	m.persist(ctx, user.ID)
}

func (m *Manager) sessionFromTokens(ctx context.Context, userID string) models.Session {
	access, refresh := m.api.Tokens()
	s := models.Session{UserID: userID, AccessToken: access, RefreshToken: refresh}
	if exp, err := ExpiresAt(access); err == nil {
		s.ExpiresAt = exp
	} else {
		m.log.Debug(ctx, "access token not inspectable", "error", err)
	}
	return s
}

func (m *Manager) persist(ctx context.Context, userID string) {
	access, refresh := m.api.Tokens()
	if err := m.tokens.Save(Tokens{UserID: userID, AccessToken: access, RefreshToken: refresh}); err != nil {
		m.log.Warn(ctx, "persist tokens failed", "error", err)
	}
}

// TokensRefreshed records a transparent token refresh.
func (m *Manager) TokensRefreshed(access, refresh string) {
	ctx := context.Background()
	userID := state.Get(m.store, state.CurrentUser).ID
	if userID == "" {
		return
	}
	state.Set(m.store, state.Session, m.sessionFromTokens(ctx, userID))
	m.persist(ctx, userID)
}

// SignOut revokes the session and resets client state. The reset, and
// with it keyring zeroing, happens even if revocation fails or panics.
func (m *Manager) SignOut(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		m.store.Reset()
		m.log.Info(ctx, "signed out")
	}()

	return errors.Join(m.api.Logout(ctx), m.tokens.Clear())
}

// Expire tears the session down locally after the backend rejected it or
// the inactivity timeout fired.
func (m *Manager) Expire(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer m.store.Reset()
	m.api.SetTokens("", "")
	if err := m.tokens.Clear(); err != nil {
		m.log.Warn(ctx, "clear tokens failed", "error", err)
	}
	m.log.Info(ctx, "session ended", "reason", reason)
}
