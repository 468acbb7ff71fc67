package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/pepref/internal/model"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "v0.3.0-dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pepref",
	Short: "pepref - citation-backed peptide reference pages",
	Long: `pepref turns a named peptide into a structured, citation-backed
reference page.

It retrieves literature and trial-registry evidence, deduplicates and
classifies it, grades the evidence deterministically, drives a citation-bound
language-model synthesis, checks the result against a compliance policy and
publishes it atomically.

pepref summarizes research. It gives no clinical advice.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrConfig):
		return 2
	default:
		return 1
	}
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version number of pepref.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pepref %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.pepref/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in .env, the config file and environment variables
func initConfig() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
		}
	}

	if err := registerDefaults(viper.GetViper(), model.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	bindEnv(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.pepref")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", cfgFile, err)
	}
}

// registerDefaults makes every default a known key so that PEPREF_*
// variables override nested settings
func registerDefaults(v *viper.Viper, cfg *model.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	for k, val := range tree {
		v.SetDefault(k, val)
	}
	return nil
}

// bindEnv wires PEPREF_* and the conventional provider variables
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PEPREF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys that have no default need explicit bindings
	bindings := map[string][]string{
		"sources.literature.api_key": {"PEPREF_SOURCES_LITERATURE_API_KEY", "NCBI_API_KEY"},
		"sources.literature.email":   {"PEPREF_SOURCES_LITERATURE_EMAIL", "NCBI_EMAIL"},
		"llm.api_key":                {"PEPREF_LLM_API_KEY"},
		"llm.base_url":               {"PEPREF_LLM_BASE_URL"},
		"review.api_key":             {"PEPREF_REVIEW_API_KEY"},
		"review.base_url":            {"PEPREF_REVIEW_BASE_URL"},
		"store.dsn":                  {"PEPREF_STORE_DSN", "DATABASE_URL"},
		"store.write_url":            {"PEPREF_STORE_WRITE_URL"},
		"store.write_secret":         {"PEPREF_STORE_WRITE_SECRET", "PEPREF_WRITE_SECRET"},
		"server.secret":              {"PEPREF_SERVER_SECRET", "PEPREF_WRITE_SECRET"},
		"objects.bucket":             {"PEPREF_OBJECTS_BUCKET"},
		"objects.endpoint":           {"PEPREF_OBJECTS_ENDPOINT", "AWS_ENDPOINT_URL_S3"},
		"objects.access_key":         {"PEPREF_OBJECTS_ACCESS_KEY", "AWS_ACCESS_KEY_ID"},
		"objects.secret_key":         {"PEPREF_OBJECTS_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"},
		"objects.region":             {"PEPREF_OBJECTS_REGION", "AWS_REGION"},
		"objects.prefix":             {"PEPREF_OBJECTS_PREFIX"},
		"log.file":                   {"PEPREF_LOG_FILE"},
		"http.http_proxy":            {"PEPREF_HTTP_HTTP_PROXY"},
		"http.https_proxy":           {"PEPREF_HTTP_HTTPS_PROXY"},
		"http.no_proxy":              {"PEPREF_HTTP_NO_PROXY"},
	}
	for key, envs := range bindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
}

// loadConfig decodes the layered configuration and fills provider keys
// from their conventional variables
func loadConfig(v *viper.Viper) (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", model.ErrConfig, err)
	}
	applyProviderEnv(&cfg.LLM)
	applyProviderEnv(&cfg.Review)
	return cfg, nil
}

func applyProviderEnv(c *model.LLMConfig) {
	switch strings.ToLower(c.Provider) {
	case "openai":
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	case "anthropic", "claude":
		if c.APIKey == "" {
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	case "ollama":
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv("OLLAMA_BASE_URL")
		}
	}
}
