package services

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/repositories/preferences"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Themes accepted by the theme preference.
var Themes = []string{"system", "light", "dark"}

// PreferenceService mirrors the preference keys of the store into the
// local database. Only direct writes are persisted: batch loads and
// session resets never overwrite stored values.
type PreferenceService struct {
	repo  preferences.Repository
	store *state.Store
	log   logging.Logger

	mu          sync.Mutex
	unsubscribe func()
}

func NewPreferenceService(repo preferences.Repository, store *state.Store, log logging.Logger) *PreferenceService {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &PreferenceService{repo: repo, store: store, log: log.With("module", "preferences")}
}

// Load copies stored preferences into the store. Unparseable rows are
// skipped.
func (p *PreferenceService) Load(ctx context.Context) error {
	rows, err := p.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("error loading preferences: %w", err)
	}

	var batch []state.Assignment
	if v, ok := rows[preferences.KeyTheme]; ok && validTheme(v) {
		batch = append(batch, state.Assign(state.Theme, v))
	}
	for key, target := range map[string]*state.Key[bool]{
		preferences.KeyNotificationsEnabled: state.NotificationsEnabled,
		preferences.KeySoundEnabled:         state.SoundEnabled,
	} {
		v, ok := rows[key]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.log.Warn(ctx, "ignoring malformed preference", "key", key, "value", v)
			continue
		}
		batch = append(batch, state.Assign(target, b))
	}
	p.store.Batch(batch...)
	return nil
}

func validTheme(v string) bool { return slices.Contains(Themes, v) }

// Watch starts persisting preference changes. Calling it again is a no-op.
func (p *PreferenceService) Watch(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		return
	}

	p.unsubscribe = p.store.Bus().Subscribe(func(ev events.Event) {
		kc := ev.(events.KeyChanged)
		var key, value string
		switch kc.Key {
		case state.Theme.Name():
			key, value = preferences.KeyTheme, fmt.Sprint(kc.Value)
		case state.NotificationsEnabled.Name():
			key, value = preferences.KeyNotificationsEnabled, fmt.Sprint(kc.Value)
		case state.SoundEnabled.Name():
			key, value = preferences.KeySoundEnabled, fmt.Sprint(kc.Value)
		default:
			return
		}
		if err := p.repo.Set(ctx, key, value); err != nil {
			p.log.Error(ctx, "failed to persist preference", "key", key, "error", err)
		}
	}, events.KindKeyChanged)
}

func (p *PreferenceService) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}
