package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
	"golang.org/x/sync/singleflight"

	"github.com/gridforge/tabletop/internal/plugin/bus"
)

var ErrInvalidManifestURL = errors.New("plugin: invalid manifest url")

// Fetched documents are small; anything past this is a broken or hostile
// host.
const maxFetchBytes = 1 << 20

// Loader fetches, sandboxes and caches plugins for the session. Loads are
// keyed by manifest URL: repeated loads of the same URL reuse the live
// plugin, concurrent first loads collapse into one fetch.
type Loader struct {
	client  *http.Client
	modules map[string]HostModule
	bus     *bus.Host

	mu       sync.Mutex
	sessions map[string]*Plugin
	loads    singleflight.Group
}

func NewLoader(client *http.Client, modules ...HostModule) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	registered := make(map[string]HostModule, len(modules))
	for _, m := range modules {
		registered[m.Name] = m
	}
	return &Loader{
		client:   client,
		modules:  registered,
		sessions: make(map[string]*Plugin),
	}
}

// AttachBus exposes the host module (host.on / host.emit) to every plugin
// loaded afterwards, backed by its own endpoint on h.
func (l *Loader) AttachBus(h *bus.Host) {
	l.bus = h
}

// Load returns the plugin published at manifestURL, fetching and evaluating
// it on first use.
func (l *Loader) Load(ctx context.Context, manifestURL string) (*Plugin, error) {
	manifestURL = strings.TrimSpace(manifestURL)
	if !ValidManifestURL(manifestURL) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidManifestURL, manifestURL)
	}

	l.mu.Lock()
	if p, ok := l.sessions[manifestURL]; ok {
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	v, err, _ := l.loads.Do(manifestURL, func() (any, error) {
		l.mu.Lock()
		if p, ok := l.sessions[manifestURL]; ok {
			l.mu.Unlock()
			return p, nil
		}
		l.mu.Unlock()

		p, err := l.load(ctx, manifestURL)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.sessions[manifestURL] = p
		l.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plugin), nil
}

// Evict drops the cached plugin for manifestURL and detaches it from the
// bus. The next Load refetches.
func (l *Loader) Evict(manifestURL string) {
	manifestURL = strings.TrimSpace(manifestURL)
	l.mu.Lock()
	p := l.sessions[manifestURL]
	delete(l.sessions, manifestURL)
	l.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (l *Loader) load(ctx context.Context, manifestURL string) (*Plugin, error) {
	manifestData, err := l.fetch(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(manifestData)
	if err != nil {
		return nil, err
	}

	modules, err := resolveModules(l.modules, manifest.Modules)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", manifest.Name, err)
	}

	bundleLoc, err := bundleURL(manifestURL, manifest.Bundle)
	if err != nil {
		return nil, err
	}
	source, err := l.fetch(ctx, bundleLoc)
	if err != nil {
		return nil, err
	}

	state := newSandbox(modules)
	p := &Plugin{
		Name:        manifest.Name,
		Title:       manifest.Title,
		Icon:        manifest.Icon,
		Version:     manifest.Version,
		ManifestURL: manifestURL,
		state:       state,
		entry:       manifest.Entry,
	}
	if l.bus != nil {
		if err := installBus(p, l.bus, manifest.Name); err != nil {
			p.Close()
			return nil, fmt.Errorf("plugin %s: install host module: %w", manifest.Name, err)
		}
	}

	var evalErr error
	p.runLua(func() {
		if err := lua.LoadString(state, string(source)); err != nil {
			evalErr = fmt.Errorf("plugin %s: load bundle: %w", manifest.Name, err)
			return
		}
		if err := state.ProtectedCall(0, 0, 0); err != nil {
			evalErr = fmt.Errorf("plugin %s: run bundle: %w", manifest.Name, err)
			return
		}
		renderers, err := validateEntry(state, manifest.Entry)
		if err != nil {
			evalErr = fmt.Errorf("plugin %s: %w", manifest.Name, err)
			return
		}
		p.renderers = renderers
	})
	if evalErr != nil {
		p.Close()
		return nil, evalErr
	}
	return p, nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("fetch %s: document too large", rawURL)
	}
	return data, nil
}
