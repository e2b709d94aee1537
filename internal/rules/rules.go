// Package rules decides which requests the relay attaches credentials to.
// Rules come from an optional YAML file that is reloaded when it changes.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NavigationPolicy controls whether navigation requests are treated as
// credential candidates.
type NavigationPolicy string

const (
	// NavigationInclude sends same-origin navigations through credential
	// resolution, even outside the API prefixes. This matches the
	// behavior pages were built against; every page load on the origin
	// resolves (and may refresh) the credential.
	NavigationInclude NavigationPolicy = "include"

	// NavigationExclude only considers API-prefixed paths.
	NavigationExclude NavigationPolicy = "exclude"
)

// Rules is the classifier configuration.
type Rules struct {
	APIPrefixes        []string         `yaml:"api_prefixes"`
	Navigation         NavigationPolicy `yaml:"navigation"`
	LoginCallbackPaths []string         `yaml:"login_callback_paths"`
}

// Default returns the built-in rules: /api/ prefix, navigations included,
// /login-callback as the login callback route.
func Default() Rules {
	return Rules{
		APIPrefixes:        []string{"/api/"},
		Navigation:         NavigationInclude,
		LoginCallbackPaths: []string{"/login-callback"},
	}
}

// Parse decodes YAML rules. Omitted fields take their defaults.
func Parse(data []byte) (Rules, error) {
	r := Default()

	var raw Rules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Rules{}, fmt.Errorf("parsing rules: %w", err)
	}

	if raw.APIPrefixes != nil {
		r.APIPrefixes = raw.APIPrefixes
	}

	if raw.Navigation != "" {
		r.Navigation = raw.Navigation
	}

	if raw.LoginCallbackPaths != nil {
		r.LoginCallbackPaths = raw.LoginCallbackPaths
	}

	if err := r.validate(); err != nil {
		return Rules{}, err
	}

	return r, nil
}

// LoadFile reads and parses a rules file.
func LoadFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file: %w", err)
	}

	return Parse(data)
}

func (r Rules) validate() error {
	switch r.Navigation {
	case NavigationInclude, NavigationExclude:
	default:
		return fmt.Errorf("navigation must be %q or %q, got %q", NavigationInclude, NavigationExclude, r.Navigation)
	}

	for _, p := range r.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("api prefix %q must start with /", p)
		}
	}

	return nil
}
