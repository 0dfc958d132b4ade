package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Token      string
	ServerURL  string
	StorageDSN string
	LogLevel   string
	Timeout    time.Duration
}

// EventFlags holds flags for track, log and feedback
type EventFlags struct {
	Name      string
	Props     []string
	PropsJSON string
}

// IdentifyFlags holds flags for identify
type IdentifyFlags struct {
	Alias  string
	Traits []string
}

// QueueFlags holds flags for queue
type QueueFlags struct {
	Clear bool
}

// CollectorFlags holds flags for the development collector
type CollectorFlags struct {
	Listen        string
	BasePath      string
	NATSURL       string
	NATSPrefix    string
	MetricsListen string
	MaxBatchSize  int
	DailyQuota    int
	TLSDir        string
	TLSCert       string
	TLSKey        string
	TLSAuto       bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{global: globalFlags, out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createEventCommand("track", "Track an activity", cmd.Track),
		createEventCommand("log", "Log a generation", cmd.Log),
		createEventCommand("feedback", "Submit feedback for a generation", cmd.Feedback),
		createIdentifyCommand(cmd),
		createAliasCommand(cmd),
		createQueueCommand(cmd),
		createCollectorCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "analytics",
		Short: "Send analytics events and run a development collector",
		Long: `analytics sends activities, generations, feedbacks and identities to an
ingestion service and waits for the delivery result.

Examples:
  analytics track --token=tok --name=signup --prop plan=pro
  analytics log --name=completion --props='{"model_id":"m1","input":"hi","output":"hello"}'
  analytics identify --alias=user@example.com --trait '$email=user@example.com'
  analytics queue --storage=sqlite:///var/lib/analytics.db
  analytics collector --listen=:8080`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.Token, "token", "", "project token (overrides config)")
	root.PersistentFlags().StringVar(&flags.ServerURL, "server-url", "", "ingestion base URL (overrides config)")
	root.PersistentFlags().StringVar(&flags.StorageDSN, "storage", "", "storage DSN for session and unsent events (overrides config)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "none, error, warn, info or debug (overrides config)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "how long to wait for delivery")

	return root
}

func createEventCommand(use, short string, run func(EventFlags) error) *cobra.Command {
	flags := &EventFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "event name (required)")
	cmd.Flags().StringArrayVar(&flags.Props, "prop", nil, "property as key=value (repeatable)")
	cmd.Flags().StringVar(&flags.PropsJSON, "props", "", "properties as a JSON object")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createIdentifyCommand(c command) *cobra.Command {
	flags := &IdentifyFlags{}
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Identify the current user",
		Long: `Identify links the stored session with an alias. Without --alias the
stored user id is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Identify(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Alias, "alias", "", "user alias, e.g. an email")
	cmd.Flags().StringArrayVar(&flags.Traits, "trait", nil, "user trait as key=value (repeatable)")
	return cmd
}

func createAliasCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "alias <alias>",
		Short: "Link an alias to the stored distinct id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alias(args[0])
		},
	}
}

func createQueueCommand(c command) *cobra.Command {
	flags := &QueueFlags{}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show events persisted but not yet delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Queue(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Clear, "clear", false, "drop the persisted events after printing them")
	return cmd
}

func createCollectorCommand(c command) *cobra.Command {
	flags := &CollectorFlags{}
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run an in-memory ingestion server for development",
		Long: `collector accepts the ingestion protocol over HTTP (and NATS with
--nats-url) and keeps the accepted events in memory. They can be listed with
GET <base-path>/debug/events?kind=activities.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Collector(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "path prefix for every route")
	cmd.Flags().StringVar(&flags.NATSURL, "nats-url", "", "also answer NATS requests from this server")
	cmd.Flags().StringVar(&flags.NATSPrefix, "nats-prefix", "", "subject prefix for NATS requests")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&flags.MaxBatchSize, "max-batch-size", 0, "reject larger batches with 413")
	cmd.Flags().IntVar(&flags.DailyQuota, "daily-quota", 0, "events per distinct id per day; 0 disables")
	cmd.Flags().StringVar(&flags.TLSDir, "tls-dir", "", "serve HTTPS with tls.crt/tls.key from this directory")
	cmd.Flags().StringVar(&flags.TLSCert, "tls-cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&flags.TLSKey, "tls-key", "", "TLS private key file")
	cmd.Flags().BoolVar(&flags.TLSAuto, "tls-auto", false, "generate a self-signed certificate in --tls-dir if missing")
	return cmd
}
