package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/metrics"
	"davidallendj/oidc-apikey/internal/server"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveFlags = struct {
	host         string
	port         int
	issuer       string
	clientID     string
	clientSecret string
	redirectURIs []string
	apiKeys      []string
	variant      string
	skipConsent  bool
	banner       bool
}{}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a minimal identity provider that accepts API keys",
	Long: "The built-in identity provider is not (nor meant to be) a complete OIDC implementation. " +
		"It speaks the authorize, login and consent contract the login command drives so the exchange can be tried locally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		s := &cfg.Server
		if flags.Changed("host") {
			s.Host = serveFlags.host
		}
		if flags.Changed("port") {
			s.Port = serveFlags.port
		}
		if flags.Changed("issuer") {
			s.Issuer = serveFlags.issuer
		}
		if flags.Changed("client-id") {
			s.ClientID = serveFlags.clientID
		}
		if flags.Changed("client-secret") {
			s.ClientSecret = serveFlags.clientSecret
		}
		if flags.Changed("redirect-uri") {
			s.RedirectURIs = serveFlags.redirectURIs
		}
		if flags.Changed("api-key") {
			s.APIKeys = serveFlags.apiKeys
		}
		if flags.Changed("variant") {
			s.Variant = serveFlags.variant
		}
		if flags.Changed("skip-consent") {
			s.SkipConsent = serveFlags.skipConsent
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		variant, ok := apikey.ParseVariant(s.Variant)
		if !ok {
			return fmt.Errorf("unknown variant %q", s.Variant)
		}
		issuer := s.Issuer
		if issuer == "" {
			issuer = "http://" + s.Addr()
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		idp, err := server.NewIdentityProvider(server.Params{
			Issuer:       issuer,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURIs: s.RedirectURIs,
			APIKeys:      s.APIKeys,
			Subject:      s.Subject,
			Variant:      variant,
			SkipConsent:  s.SkipConsent,
			Metrics:      metrics.New(reg),
			Gatherer:     reg,
			Logger:       log.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create identity provider: %w", err)
		}

		if serveFlags.banner {
			figure.NewFigure("oidc-apikey", "cybermedium", true).Print()
			fmt.Println()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.NewServer(s.Host, s.Port, idp, log.Logger).Start(ctx)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveFlags.host, "host", "127.0.0.1", "set the identity provider host")
	flags.IntVar(&serveFlags.port, "port", 4444, "set the identity provider port")
	flags.StringVar(&serveFlags.issuer, "issuer", "", "set the public issuer URL (defaults to http://host:port)")
	flags.StringVar(&serveFlags.clientID, "client-id", "", "set the registered client ID")
	flags.StringVar(&serveFlags.clientSecret, "client-secret", "", "set the registered client secret")
	flags.StringSliceVar(&serveFlags.redirectURIs, "redirect-uri", nil, "add a registered redirect URI")
	flags.StringSliceVar(&serveFlags.apiKeys, "api-key", nil, "add an accepted API key")
	flags.StringVar(&serveFlags.variant, "variant", "", "set the login contract (discovery, legacy)")
	flags.BoolVar(&serveFlags.skipConsent, "skip-consent", false, "grant consent without showing the consent form")
	flags.BoolVar(&serveFlags.banner, "banner", true, "print the banner on startup")

	rootCmd.AddCommand(serveCmd)
}
