package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/isometry/go-ldappool"
)

const (
	URLEnvVar          = "LDAPPOOL_URL"
	BindDNEnvVar       = "LDAPPOOL_BIND_DN"
	BindPasswordEnvVar = "LDAPPOOL_BIND_PASSWORD"
	LogLevelEnvVar     = "LDAPPOOL_LOG_LEVEL"

	logName = "ldappool"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "ldappool",
		Short: "Exercise a pool of LDAP sessions",
		Long: "ldappool opens a pool of sessions against an LDAP server and checks that\n" +
			"sessions handed back to the pool are reset to the anonymous identity.\n\n" +
			"Logs are written to stderr as JSON. Set the level with --log-level or the\n" +
			LogLevelEnvVar + " environment variable (trace, debug, info, warn, error, off).",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-level") {
				if env := os.Getenv(LogLevelEnvVar); env != "" {
					logLevel = env
				}
			}

			level := hclog.LevelFromString(logLevel)
			if level == hclog.NoLevel {
				return fmt.Errorf("invalid log level %q", logLevel)
			}

			ctx := tfsdklog.NewRootProviderLogger(cmd.Context(),
				tfsdklog.WithLogName(logName),
				tfsdklog.WithLevel(level),
				tfsdklog.WithStderrFromInit(),
				tfsdklog.WithoutLocation(),
			)
			cmd.SetContext(ldappool.NewLoggingContext(ctx))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(
		&logLevel,
		"log-level",
		"warn",
		fmt.Sprintf("log level (overrides env var %s)", LogLevelEnvVar),
	)

	rootCmd.AddCommand(newCheckCmd())
	return rootCmd
}
