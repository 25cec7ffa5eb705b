package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	dombackend "github.com/JakeFAU/scraper-runtime/internal/backend/dom"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// manifestExts lists the file types LoadDir and Watch treat as manifests.
var manifestExts = map[string]string{
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
}

// RateLimit overrides the scheduler's default cooldown for one plugin.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Manifest is the on-disk description of one plugin.
type Manifest struct {
	ID         string                `mapstructure:"id"`
	Name       string                `mapstructure:"name"`
	Kind       string                `mapstructure:"kind"`
	Backend    string                `mapstructure:"backend"`
	Entrypoint string                `mapstructure:"entrypoint"`
	ImageURL   string                `mapstructure:"image_url"`
	RefererURL string                `mapstructure:"referer_url"`
	Headers    map[string]string     `mapstructure:"headers"`
	RateLimit  *RateLimit            `mapstructure:"rate_limit"`
	Selectors  *dombackend.Selectors `mapstructure:"selectors"`

	// Path is the manifest file the plugin was read from, if any.
	Path string `mapstructure:"-"`
}

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	_, ok := manifestExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ReadManifest reads one manifest file. Failures are ManifestInvalid.
func ReadManifest(path string) (Manifest, error) {
	format, ok := manifestExts[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Manifest{}, scraper.Errorf(scraper.KindManifestInvalid, "load", "unsupported manifest type %q", filepath.Ext(path))
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(format)
	if err := v.ReadInConfig(); err != nil {
		return Manifest{}, scraper.NewError(scraper.KindManifestInvalid, "load", fmt.Errorf("read %s: %w", path, err))
	}
	var m Manifest
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		fieldShorthand,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&m, hooks); err != nil {
		return Manifest{}, scraper.NewError(scraper.KindManifestInvalid, "load", fmt.Errorf("decode %s: %w", path, err))
	}
	m.Path = path
	return m, nil
}

var fieldType = reflect.TypeOf(dombackend.Field{})

// fieldShorthand lets a manifest write `title: h1` for {selector: h1}.
func fieldShorthand(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != fieldType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		return dombackend.Field{Selector: s}, nil
	}
	return data, nil
}

// Validate checks the fields every backend needs. Selector compilation is
// left to the DOM backend.
func (m Manifest) Validate() error {
	var errs []error
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.ContainsAny(m.ID, "/ \t") {
		errs = append(errs, fmt.Errorf("id %q must not contain slashes or spaces", m.ID))
	}
	if _, err := scraper.ParseKind(m.Kind); err != nil {
		errs = append(errs, err)
	}
	backend, err := scraper.ParseBackendKind(m.Backend)
	if err != nil {
		errs = append(errs, err)
	}
	switch backend {
	case scraper.BackendLua, scraper.BackendWasm:
		if m.Entrypoint == "" {
			errs = append(errs, fmt.Errorf("%s plugins need an entrypoint", backend))
		}
	case scraper.BackendHeadless, scraper.BackendFallback:
		if m.Selectors == nil {
			errs = append(errs, fmt.Errorf("%s plugins need a selectors block", backend))
		}
	}
	if m.RateLimit != nil && (m.RateLimit.RPS < 0 || m.RateLimit.Burst < 0) {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return scraper.NewError(scraper.KindManifestInvalid, "load", err).WithPlugin(m.ID)
	}
	return nil
}

// EntrypointPath resolves the entrypoint against the manifest's directory.
func (m Manifest) EntrypointPath() string {
	if m.Entrypoint == "" || filepath.IsAbs(m.Entrypoint) || m.Path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
}

// RequestHeaders are sent with every request the plugin makes. A referer
// url becomes the Referer header unless headers already set one.
func (m Manifest) RequestHeaders() map[string]string {
	out := make(map[string]string, len(m.Headers)+1)
	if m.RefererURL != "" {
		out["Referer"] = m.RefererURL
	}
	for k, v := range m.Headers {
		// viper lowercases keys.
		if strings.EqualFold(k, "referer") {
			k = "Referer"
		}
		out[k] = v
	}
	return out
}

// plugin projects the manifest onto the registry record. backend is the
// kind chosen at load time, which may differ from the declared one.
func (m Manifest) plugin(backend scraper.BackendKind) scraper.Plugin {
	kind, _ := scraper.ParseKind(m.Kind)
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return scraper.Plugin{
		ID:         m.ID,
		Name:       name,
		Kind:       kind,
		ImageURL:   m.ImageURL,
		RefererURL: m.RefererURL,
		Backend:    backend,
		Source:     m.Path,
	}
}
