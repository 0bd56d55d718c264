package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFeed = errors.New("unknown feed")

// ConfigCache is the configuration projection read by the UI layer: per-feed
// bookkeeping, user preferences and the installation identity. Every change
// is written through to a YAML file; an empty path keeps it in memory.
type ConfigCache struct {
	path  string
	state Configuration
	mu    sync.RWMutex
}

func NewConfigCache(path string) *ConfigCache {
	return &ConfigCache{
		path: path,
		state: Configuration{
			Feeds: make(map[string]*FeedEntry),
		},
	}
}

// Run loads the projection from disk, creating it with a fresh installation
// identifier when it does not exist yet.
func (cc *ConfigCache) Run() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.path != "" {
		data, err := os.ReadFile(cc.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("Configuration file not found, initializing", "path", cc.path)
		case err != nil:
			return fmt.Errorf("failed to read configuration: %w", err)
		default:
			var loaded Configuration
			if err := yaml.Unmarshal(data, &loaded); err != nil {
				return fmt.Errorf("failed to parse YAML: %w", err)
			}
			cc.state = loaded
		}
	}

	if cc.state.Feeds == nil {
		cc.state.Feeds = make(map[string]*FeedEntry)
	}

	dirty := false

	// A key without a value decodes to a nil entry.
	for url, entry := range cc.state.Feeds {
		if entry == nil {
			slog.Warn("Dropping empty feed entry from configuration", "feed", url)
			delete(cc.state.Feeds, url)
			dirty = true
		}
	}

	if cc.state.InstallationID == "" {
		cc.state.InstallationID = uuid.NewString()
		dirty = true
	}

	if dirty {
		if err := cc.save(cc.state); err != nil {
			return err
		}
	}

	slog.Debug("Configuration loaded", "installation_id", cc.state.InstallationID, "feeds", len(cc.state.Feeds))

	return nil
}

func (cc *ConfigCache) InstallationID() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.state.InstallationID
}

func (cc *ConfigCache) GetFeed(feedURL string) (FeedEntry, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	entry, ok := cc.state.Feeds[feedURL]
	if !ok {
		return FeedEntry{}, false
	}
	return *entry, true
}

func (cc *ConfigCache) GetFeeds() map[string]FeedEntry {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	feedsCopy := make(map[string]FeedEntry, len(cc.state.Feeds))
	for k, v := range cc.state.Feeds {
		feedsCopy[k] = *v
	}
	return feedsCopy
}

func (cc *ConfigCache) GetFeedCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.state.Feeds)
}

// RecordFetch stores the result of a successful reconciliation. The user's
// custom name survives.
func (cc *ConfigCache) RecordFetch(feedURL, title string, fetchedAt time.Time, lastItemPublishedAt *time.Time) error {
	return cc.mutate(func(state *Configuration) error {
		entry, ok := state.Feeds[feedURL]
		if !ok {
			entry = &FeedEntry{}
			state.Feeds[feedURL] = entry
		}
		entry.Title = title
		entry.LastFetchedAt = fetchedAt
		entry.LastItemPublishedAt = lastItemPublishedAt
		return nil
	})
}

func (cc *ConfigCache) RemoveFeed(feedURL string) error {
	return cc.mutate(func(state *Configuration) error {
		delete(state.Feeds, feedURL)
		return nil
	})
}

// RenameFeed sets the display override for a feed; an empty name clears it.
func (cc *ConfigCache) RenameFeed(feedURL, name string) error {
	return cc.mutate(func(state *Configuration) error {
		entry, ok := state.Feeds[feedURL]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFeed, feedURL)
		}
		entry.CustomName = name
		return nil
	})
}

func (cc *ConfigCache) GetPreferences() Preferences {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.state.Preferences
}

func (cc *ConfigCache) SetPreferences(preferences Preferences) error {
	if err := validatePreferences(&preferences); err != nil {
		return err
	}

	return cc.mutate(func(state *Configuration) error {
		state.Preferences = preferences
		return nil
	})
}

func validatePreferences(preferences *Preferences) error {
	if preferences.Locale != "" {
		tag, err := language.Parse(preferences.Locale)
		if err != nil {
			return fmt.Errorf("invalid locale %q: %w", preferences.Locale, err)
		}
		preferences.Locale = tag.String()
	}

	validThemes := map[string]bool{"": true, "light": true, "dark": true}
	if !validThemes[preferences.ThemeMode] {
		return fmt.Errorf("invalid theme mode: %s", preferences.ThemeMode)
	}

	validLinkModes := map[string]bool{"": true, "in": true, "out": true}
	if !validLinkModes[preferences.LinkOpenMode] {
		return fmt.Errorf("invalid link open mode: %s", preferences.LinkOpenMode)
	}

	return nil
}

// mutate applies fn to a copy of the state and swaps it in only once the
// copy has been written out.
func (cc *ConfigCache) mutate(fn func(state *Configuration) error) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	next := cc.state
	next.Feeds = make(map[string]*FeedEntry, len(cc.state.Feeds))
	for k, v := range cc.state.Feeds {
		entry := *v
		next.Feeds[k] = &entry
	}

	if err := fn(&next); err != nil {
		return err
	}

	if err := cc.save(next); err != nil {
		return err
	}

	cc.state = next
	return nil
}

func (cc *ConfigCache) save(state Configuration) error {
	if cc.path == "" {
		return nil
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	dir := filepath.Dir(cc.path)
	tmp, err := os.CreateTemp(dir, ".configuration-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temporary configuration file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	if err := os.Rename(tmp.Name(), cc.path); err != nil {
		return fmt.Errorf("failed to replace configuration: %w", err)
	}

	return nil
}
