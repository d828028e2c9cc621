// Package profile reads and validates Snowflake credential profiles.
//
// Profiles live in a yaml credentials store owned by an external tool
// (default ~/.snowflake/config.yaml); this process only reads it. Validation
// results are cached per profile name with a TTL so health checks do not
// hammer the filesystem.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"snowscope/internal/clock"
	"snowscope/internal/logging"
)

// AuthKind is the authentication mechanism a profile uses.
type AuthKind string

const (
	AuthKeypair  AuthKind = "keypair"
	AuthOAuth    AuthKind = "oauth"
	AuthPassword AuthKind = "password"
	AuthSSO      AuthKind = "sso"
)

// Profile is a named credential bundle from the credentials store.
type Profile struct {
	Name string `yaml:"-"`

	Account string   `yaml:"account"`
	User    string   `yaml:"user"`
	Auth    AuthKind `yaml:"authenticator"`

	// Keypair auth
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// Password auth (read from the store, never logged)
	Password string `yaml:"password,omitempty"`

	// OAuth auth
	Token string `yaml:"token,omitempty"`

	// Default session context
	Warehouse string `yaml:"warehouse,omitempty"`
	Database  string `yaml:"database,omitempty"`
	Schema    string `yaml:"schema,omitempty"`
	Role      string `yaml:"role,omitempty"`
}

// storeFile is the on-disk shape of the credentials store.
type storeFile struct {
	DefaultProfile string              `yaml:"default_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
}

// Validation is the result of validating a profile.
type Validation struct {
	Valid             bool      `json:"valid"`
	ProfileName       string    `json:"profile_name"`
	Errors            []string  `json:"errors,omitempty"`
	Suggestions       []string  `json:"suggestions,omitempty"`
	AvailableProfiles []string  `json:"available_profiles"`
	ConfigPath        string    `json:"config_path"`
	CheckedAt         time.Time `json:"checked_at"`
}

// Validator reads the credentials store and validates named profiles,
// caching results with a TTL.
type Validator struct {
	configPath string
	ttl        time.Duration
	clk        clock.Clock

	mu    sync.Mutex
	cache map[string]*Validation
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock injects a clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(v *Validator) { v.clk = clk }
}

// WithTTL overrides the cache TTL (default 30s).
func WithTTL(ttl time.Duration) Option {
	return func(v *Validator) { v.ttl = ttl }
}

// NewValidator creates a Validator for the given credentials store path.
// An empty path resolves to ~/.snowflake/config.yaml.
func NewValidator(configPath string, opts ...Option) *Validator {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".snowflake", "config.yaml")
		}
	}
	v := &Validator{
		configPath: configPath,
		ttl:        30 * time.Second,
		clk:        clock.System,
		cache:      make(map[string]*Validation),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ConfigPath returns the credentials store path the validator reads.
func (v *Validator) ConfigPath() string { return v.configPath }

// Load returns the named profile, or the store's default when name is
// empty or "default" and no profile is literally named "default".
func (v *Validator) Load(name string) (*Profile, error) {
	store, err := v.readStore()
	if err != nil {
		return nil, err
	}

	resolved := name
	if resolved == "" {
		resolved = store.DefaultProfile
	}
	if resolved == "" {
		resolved = "default"
	}

	p, ok := store.Profiles[resolved]
	if !ok && name == "default" && store.DefaultProfile != "" {
		resolved = store.DefaultProfile
		p, ok = store.Profiles[resolved]
	}
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", resolved, v.configPath)
	}
	p.Name = resolved
	return p, nil
}

// Validate checks the named profile, serving cached results within the TTL.
// It never returns an error for an invalid profile; diagnostics go into the
// returned Validation.
func (v *Validator) Validate(name string) *Validation {
	if name == "" {
		name = "default"
	}

	v.mu.Lock()
	if cached, ok := v.cache[name]; ok {
		if v.clk.Now().Sub(cached.CheckedAt) < v.ttl {
			v.mu.Unlock()
			logging.ProfileDebug("validation cache hit for %s", name)
			return cached
		}
	}
	v.mu.Unlock()

	result := v.validate(name)

	v.mu.Lock()
	v.cache[name] = result
	v.mu.Unlock()
	return result
}

// Invalidate drops the cached validation for a profile (all when name is "").
func (v *Validator) Invalidate(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if name == "" {
		v.cache = make(map[string]*Validation)
		return
	}
	delete(v.cache, name)
}

func (v *Validator) validate(name string) *Validation {
	span := logging.Begin(logging.CategoryProfile, "validate "+name)
	defer span.End()

	result := &Validation{
		ProfileName: name,
		ConfigPath:  v.configPath,
		CheckedAt:   v.clk.Now(),
	}

	store, err := v.readStore()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			result.Suggestions = append(result.Suggestions,
				fmt.Sprintf("Create %s with a profiles: section", v.configPath))
		}
		return result
	}

	for pname := range store.Profiles {
		result.AvailableProfiles = append(result.AvailableProfiles, pname)
	}
	sort.Strings(result.AvailableProfiles)

	p, err := v.Load(name)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Suggestions = append(result.Suggestions,
			fmt.Sprintf("Available profiles: %s", strings.Join(result.AvailableProfiles, ", ")))
		return result
	}
	result.ProfileName = p.Name

	checkField(result, p.Account != "", "account is missing",
		"Set account to your identifier, e.g. myorg-myaccount (see the URL of your Snowflake console)")
	checkField(result, p.User != "", "user is missing",
		"Set user to your Snowflake login name")

	switch p.Auth {
	case AuthKeypair:
		if p.PrivateKeyPath == "" {
			addError(result, "private_key_path is required for keypair authentication",
				"Point private_key_path at your PKCS#8 private key file")
		} else if info, err := os.Stat(p.PrivateKeyPath); err != nil {
			addError(result, fmt.Sprintf("private key not readable: %v", err),
				"Check the path, and file permissions (chmod 600)")
		} else if info.Mode().Perm()&0077 != 0 {
			// World/group readable keys are a misconfiguration worth flagging.
			result.Suggestions = append(result.Suggestions,
				fmt.Sprintf("Restrict key permissions: chmod 600 %s", p.PrivateKeyPath))
		}
	case AuthPassword:
		checkField(result, p.Password != "", "password is required for password authentication",
			"Set password in the profile, or switch to keypair authentication")
	case AuthOAuth:
		checkField(result, p.Token != "", "token is required for oauth authentication",
			"Set token to a valid OAuth access token")
	case AuthSSO:
		// externalbrowser flow needs nothing beyond account and user.
	case "":
		addError(result, "authenticator is missing",
			"Set authenticator to one of: keypair, oauth, password, sso")
	default:
		addError(result, fmt.Sprintf("unknown authenticator %q", p.Auth),
			"Set authenticator to one of: keypair, oauth, password, sso")
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		logging.ProfileDebug("profile %s validated", p.Name)
	} else {
		logging.Profile("profile %s invalid: %s", p.Name, strings.Join(result.Errors, "; "))
	}
	return result
}

func (v *Validator) readStore() (*storeFile, error) {
	data, err := os.ReadFile(v.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials store: %w", err)
	}
	var store storeFile
	if err := yaml.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("failed to parse credentials store %s: %w", v.configPath, err)
	}
	if store.Profiles == nil {
		store.Profiles = make(map[string]*Profile)
	}
	return &store, nil
}

func checkField(result *Validation, ok bool, errMsg, suggestion string) {
	if !ok {
		addError(result, errMsg, suggestion)
	}
}

func addError(result *Validation, errMsg, suggestion string) {
	result.Errors = append(result.Errors, errMsg)
	if suggestion != "" {
		result.Suggestions = append(result.Suggestions, suggestion)
	}
}
