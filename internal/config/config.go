package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"

	"github.com/creasty/defaults"
	goutil "github.com/davidallendj/go-utils/util"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix   = "OIDC_APIKEY"
	DefaultPath = "config.yaml"
	redacted    = "***REDACTED***"
)

type Config struct {
	Version  string   `mapstructure:"version" yaml:"version"`
	LogLevel string   `mapstructure:"log-level" yaml:"log-level" default:"info" validate:"oneof=trace debug info warn error"`
	Verbose  bool     `mapstructure:"verbose" yaml:"verbose"`
	Exchange Exchange `mapstructure:"exchange" yaml:"exchange"`
	Client   Client   `mapstructure:"client" yaml:"client"`
	Cache    Cache    `mapstructure:"cache" yaml:"cache"`
	Metrics  Metrics  `mapstructure:"metrics" yaml:"metrics"`
	Server   Server   `mapstructure:"server" yaml:"server"`
}

// Exchange holds everything needed to trade an API key for a code.
type Exchange struct {
	AuthURL           string        `mapstructure:"auth-url" yaml:"auth-url" validate:"omitempty,url"`
	IdentityProvider  string        `mapstructure:"identity-provider" yaml:"identity-provider"`
	Protocol          string        `mapstructure:"protocol" yaml:"protocol" default:"openid"`
	ClientID          string        `mapstructure:"client-id" yaml:"client-id"`
	APIKey            string        `mapstructure:"api-key" yaml:"api-key" secret:"true"`
	DiscoveryEndpoint string        `mapstructure:"discovery-endpoint" yaml:"discovery-endpoint" validate:"omitempty,url"`
	RedirectURI       string        `mapstructure:"redirect-uri" yaml:"redirect-uri" validate:"omitempty,url"`
	Variant           string        `mapstructure:"variant" yaml:"variant" default:"discovery" validate:"oneof=discovery legacy"`
	CSRFKey           string        `mapstructure:"csrf-key" yaml:"csrf-key"`
	RedirectHops      int           `mapstructure:"redirect-hops" yaml:"redirect-hops" default:"1" validate:"gte=0,lte=10"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" default:"30s"`
}

// Client is the OAuth client used to redeem the code once it is acquired.
type Client struct {
	Secret        string   `mapstructure:"secret" yaml:"secret" secret:"true"`
	Scope         []string `mapstructure:"scope" yaml:"scope" default:"[\"openid\"]"`
	TokenEndpoint string   `mapstructure:"token-endpoint" yaml:"token-endpoint" validate:"omitempty,url"`
	UserAgent     string   `mapstructure:"user-agent" yaml:"user-agent" default:"oidc-apikey"`
}

type Cache struct {
	Driver string        `mapstructure:"driver" yaml:"driver" default:"memory" validate:"oneof=none memory sqlite redis"`
	Path   string        `mapstructure:"path" yaml:"path" default:"discovery.db"`
	URL    string        `mapstructure:"url" yaml:"url" default:"redis://127.0.0.1:6379/0" secret:"true"`
	Prefix string        `mapstructure:"prefix" yaml:"prefix" default:"oidc-apikey:discovery:"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl" default:"1h"`
}

// Metrics controls where a one shot login pushes its exchange metrics.
type Metrics struct {
	PushGateway string `mapstructure:"push-gateway" yaml:"push-gateway" validate:"omitempty,url"`
	Job         string `mapstructure:"job" yaml:"job" default:"oidc-apikey"`
}

// Server configures the bundled test identity provider.
type Server struct {
	Host         string   `mapstructure:"host" yaml:"host" default:"127.0.0.1"`
	Port         int      `mapstructure:"port" yaml:"port" default:"4444" validate:"gte=0,lte=65535"`
	Issuer       string   `mapstructure:"issuer" yaml:"issuer" validate:"omitempty,url"`
	ClientID     string   `mapstructure:"client-id" yaml:"client-id" default:"ochami"`
	ClientSecret string   `mapstructure:"client-secret" yaml:"client-secret" secret:"true"`
	RedirectURIs []string `mapstructure:"redirect-uris" yaml:"redirect-uris" default:"[\"http://127.0.0.1:3333/oidc/callback\"]"`
	APIKeys      []string `mapstructure:"api-keys" yaml:"api-keys" secret:"true"`
	Subject      string   `mapstructure:"subject" yaml:"subject" default:"ochami"`
	Variant      string   `mapstructure:"variant" yaml:"variant" default:"discovery" validate:"oneof=discovery legacy"`
	SkipConsent  bool     `mapstructure:"skip-consent" yaml:"skip-consent"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// New returns a config with every default applied.
func New() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		// only reachable with a malformed default tag
		panic(fmt.Sprintf("failed to set config defaults: %v", err))
	}
	c.Version = goutil.GetCommit()
	return c
}

// Load reads the config file at path, or config.yaml from the working
// directory when path is empty, then applies OIDC_APIKEY_* environment
// overrides. A missing config.yaml is not an error.
func Load(path string) (Config, error) {
	c := New()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindDefaults(v, "", reflect.ValueOf(c))

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// bindDefaults registers every leaf key with viper so that environment
// variables are picked up even when the config file omits the key.
func bindDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := value.Field(i)
		if fv.Kind() == reflect.Struct {
			bindDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes the config as YAML. The file may hold secrets so it is only
// readable by the owner.
func (c Config) Save(path string) error {
	path = filepath.Clean(path)
	if path == "" || path == "." {
		path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func SaveDefault(path string) error {
	return New().Save(path)
}

// Redacted returns a copy with every secret field masked.
func (c Config) Redacted() Config {
	v := reflect.ValueOf(&c).Elem()
	redact(v)
	return c
}

func redact(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			redact(fv)
			continue
		}
		if field.Tag.Get("secret") != "true" {
			continue
		}
		switch fv.Kind() {
		case reflect.String:
			if fv.String() != "" {
				fv.SetString(redacted)
			}
		case reflect.Slice:
			masked := make([]string, fv.Len())
			for j := range masked {
				masked[j] = redacted
			}
			fv.Set(reflect.ValueOf(masked))
		}
	}
}

func (c Config) String() string {
	type plain Config
	return fmt.Sprintf("%+v", plain(c.Redacted()))
}

// Request builds the exchange parameters from the config.
func (e Exchange) Request() *apikey.ExchangeRequest {
	return &apikey.ExchangeRequest{
		AuthURL:           e.AuthURL,
		IdentityProvider:  e.IdentityProvider,
		Protocol:          e.Protocol,
		ClientID:          e.ClientID,
		APIKey:            e.APIKey,
		DiscoveryEndpoint: e.DiscoveryEndpoint,
		RedirectURI:       e.RedirectURI,
	}
}

// Options converts the tunables into exchanger options.
func (e Exchange) Options() ([]apikey.Option, error) {
	variant, ok := apikey.ParseVariant(e.Variant)
	if !ok {
		return nil, fmt.Errorf("unknown variant %q", e.Variant)
	}
	opts := []apikey.Option{
		apikey.WithVariant(variant),
		apikey.WithRedirectHops(e.RedirectHops),
	}
	if e.CSRFKey != "" {
		opts = append(opts, apikey.WithCSRFKey(e.CSRFKey))
	}
	return opts, nil
}
