package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/go-ldappool"
)

const anonymous = "anonymous"

type checkOptions struct {
	configFile   string
	url          string
	sessions     int
	bindDN       string
	bindPassword string
	startTLS     bool
	insecure     bool
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check that pooled sessions are recycled to the anonymous identity",
		Long: "Acquires --sessions sessions at once, optionally binds each one, releases them\n" +
			"and acquires them again. Every session is expected to report the anonymous\n" +
			"identity through the Who Am I? extended operation after it was recycled.\n\n" +
			"Settings are read from --config, then from the environment (" +
			URLEnvVar + ", " + BindDNEnvVar + ", " + BindPasswordEnvVar + "),\n" +
			"then from flags. Later sources win.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}

	flags := checkCmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.url, "url", "", fmt.Sprintf("server URL (overrides env var %s)", URLEnvVar))
	flags.IntVarP(&opts.sessions, "sessions", "n", 2, "number of sessions to hold at once")
	flags.StringVar(&opts.bindDN, "bind-dn", "", fmt.Sprintf("DN to bind as before release (overrides env var %s)", BindDNEnvVar))
	flags.StringVar(&opts.bindPassword, "bind-password", "", fmt.Sprintf("bind password (overrides env var %s)", BindPasswordEnvVar))
	flags.BoolVar(&opts.startTLS, "starttls", false, "upgrade ldap:// connections with StartTLS")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip server certificate verification")

	return checkCmd
}

// resolveConfig merges the config file, environment and flags.
func resolveConfig(cmd *cobra.Command, opts *checkOptions) (*ldappool.Config, error) {
	config := ldappool.DefaultConfig()
	if opts.configFile != "" {
		loaded, err := ldappool.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	if env := os.Getenv(URLEnvVar); env != "" && !flags.Changed("url") {
		config.URL = env
	}
	if flags.Changed("url") {
		config.URL = opts.url
	}
	if flags.Changed("starttls") {
		config.Connection.StartTLS = opts.startTLS
	}
	if flags.Changed("insecure") {
		config.Connection.NoTLSVerify = opts.insecure
	}
	if !flags.Changed("bind-dn") {
		opts.bindDN = os.Getenv(BindDNEnvVar)
	}
	if !flags.Changed("bind-password") {
		opts.bindPassword = os.Getenv(BindPasswordEnvVar)
	}

	if opts.sessions <= 0 {
		return nil, errors.New("--sessions must be positive")
	}
	// all sessions are held at once
	if config.Pool.MaxSize < opts.sessions {
		config.Pool.MaxSize = opts.sessions
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// configFields describes the resolved settings as log fields. Secrets are
// included; callers sanitize.
func configFields(config *ldappool.Config, opts *checkOptions) map[string]any {
	return map[string]any{
		"url":             config.URL,
		"conn_timeout":    config.Connection.ConnTimeout.String(),
		"request_timeout": config.Connection.RequestTimeout.String(),
		"starttls":        config.Connection.StartTLS,
		"no_tls_verify":   config.Connection.NoTLSVerify,
		"max_size":        config.Pool.MaxSize,
		"health_check":    config.Pool.HealthCheck.String(),
		"sessions":        opts.sessions,
		"bind_dn":         opts.bindDN,
		"bind_password":   opts.bindPassword,
	}
}

func runCheck(cmd *cobra.Command, opts *checkOptions) error {
	ctx := cmd.Context()

	config, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}
	tflog.SubsystemDebug(ctx, ldappool.SubsystemLDAP, "Resolved configuration",
		ldappool.SanitizeFields(configFields(config, opts)))

	pool, err := ldappool.NewPool(ctx, config.Manager(), config.PoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	objs, err := acquire(ctx, pool, opts.sessions)
	if err != nil {
		return err
	}

	for i, obj := range objs {
		session := obj.Value()
		before, err := identity(session)
		if err != nil {
			releaseAll(objs)
			return fmt.Errorf("session %s: %w", session.ID(), err)
		}

		bound := before
		if opts.bindDN != "" {
			if err := session.Bind(opts.bindDN, opts.bindPassword); err != nil {
				releaseAll(objs)
				return fmt.Errorf("session %s: bind as %s failed: %w", session.ID(), opts.bindDN, err)
			}
			if bound, err = identity(session); err != nil {
				releaseAll(objs)
				return fmt.Errorf("session %s: %w", session.ID(), err)
			}
		}
		cmd.Printf("session %d %s: identity %s, bound %s\n", i+1, session.ID(), before, bound)
	}
	releaseAll(objs)

	objs, err = acquire(ctx, pool, opts.sessions)
	if err != nil {
		return err
	}
	defer releaseAll(objs)

	var failed []error
	for i, obj := range objs {
		session := obj.Value()
		after, err := identity(session)
		if err != nil {
			failed = append(failed, fmt.Errorf("session %s: %w", session.ID(), err))
			continue
		}
		cmd.Printf("session %d %s: recycled %d times, identity %s\n",
			i+1, session.ID(), obj.Metrics().RecycleCount, after)
		if after != anonymous {
			failed = append(failed, fmt.Errorf("session %s still bound as %s after recycle", session.ID(), after))
		}
	}
	if len(failed) > 0 {
		return errors.Join(failed...)
	}

	status := pool.Status()
	cmd.Printf("pool: %d created, %d recycled, %d recycle errors\n",
		status.Created, status.Recycled, status.RecycleErrors)
	return nil
}

// acquire takes n sessions from pool concurrently. On failure every session
// already taken is released.
func acquire(ctx context.Context, pool *ldappool.Pool, n int) ([]*ldappool.PooledSession, error) {
	objs := make([]*ldappool.PooledSession, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			objs[i], errs[i] = pool.Get(ctx)
		})
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		releaseAll(objs)
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	return objs, nil
}

func releaseAll(objs []*ldappool.PooledSession) {
	for _, obj := range objs {
		if obj != nil {
			obj.Release()
		}
	}
}

// identity returns the session's authorization identity.
func identity(session *ldappool.Session) (string, error) {
	res, err := session.WhoAmI(nil)
	if err != nil {
		return "", fmt.Errorf("who am i failed: %w", err)
	}
	if res.AuthzID == "" {
		return anonymous, nil
	}
	return res.AuthzID, nil
}
