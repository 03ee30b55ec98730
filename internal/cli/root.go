// Package cli builds the jobsched command tree: the daemon itself, a
// one-shot tick for external triggers, and job administration against a
// running daemon's HTTP API.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "./config.json"
	defaultAPIURL     = "http://127.0.0.1:8089"
	tokenEnv          = "JOBSCHED_TOKEN"
)

type rootOptions struct {
	configPath string
	apiURL     string
	token      string
	jsonOut    bool

	stdout io.Writer
	stderr io.Writer
}

func (o *rootOptions) client() *Client { return NewClient(o.apiURL, o.token) }

func (o *rootOptions) output() *Output { return NewOutput(o.jsonOut, o.stdout, o.stderr) }

// NewRootCmd returns the jobsched root command.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{stdout: os.Stdout, stderr: os.Stderr}

	root := &cobra.Command{
		Use:           "jobsched",
		Short:         "Persistent job scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.stdout = cmd.OutOrStdout()
			opts.stderr = cmd.ErrOrStderr()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfigPath, "path to config json/yaml")
	pf.StringVar(&opts.apiURL, "api-url", defaultAPIURL, "daemon HTTP API base URL")
	pf.StringVar(&opts.token, "token", os.Getenv(tokenEnv), "bearer token for the HTTP API (env "+tokenEnv+")")
	pf.BoolVar(&opts.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newServeCmd(opts),
		newTickCmd(opts),
		newJobsCmd(opts),
	)
	return root
}
