package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/feed"
)

// TokenResult is the output of the token command.
type TokenResult struct {
	VoterID   string `json:"voter_id"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <voter-id>",
		Short: "Issue a feed token for a voter",
		Long: `Issue a signed token that authenticates a voter on the feed. The
secret comes from jwt_secret in the config or the TALLY_JWT_SECRET
environment variable.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			auth := feed.NewAuthenticator(rootOpts.config().JWTSecret)
			if !auth.Enabled() {
				return NewExitError(ExitCommandError, "jwt_secret is not configured")
			}
			token, err := auth.Issue(args[0], ttl)
			if err != nil {
				return WrapExitError(ExitFailure, "issue token", err)
			}
			return out.Success(token, TokenResult{
				VoterID:   args[0],
				Token:     token,
				ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
