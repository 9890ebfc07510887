package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/offshore-budgeting/ledgersync/internal/tokenfile"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the record service credential",
	}

	cmd.AddCommand(newTokenSetCmd())
	cmd.AddCommand(newTokenShowCmd())

	return cmd
}

func newTokenSetCmd() *cobra.Command {
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a bearer token read from stdin",
		Long: `Read a bearer token from the first line of stdin and write it to
remote.token_file. A running process using the file picks the new token up
on its next request.

Example:
  printenv RECORDS_TOKEN | ledgersync token set`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			path := cc.Cfg.Remote.TokenFile
			if path == "" {
				return errors.New("remote.token_file is not set")
			}

			access, err := readTokenLine(cmd.InOrStdin())
			if err != nil {
				return err
			}

			tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
			if expiresIn > 0 {
				tok.Expiry = time.Now().Add(expiresIn)
			}

			meta := map[string]string{}
			if cc.Cfg.Remote.BaseURL != "" {
				meta[tokenfile.MetaBaseURL] = cc.Cfg.Remote.BaseURL
			}

			if err := tokenfile.Save(path, tok, meta); err != nil {
				return err
			}

			cc.Statusf("Token saved to %s\n", path)

			return nil
		},
	}

	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime, if known")

	return cmd
}

func newTokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Describe the stored token without printing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			out := cmd.OutOrStdout()

			if cc.Cfg.Remote.AccessToken != "" {
				fmt.Fprintln(out, "Using an inline access token (remote.access_token or LEDGERSYNC_REMOTE_TOKEN)")
				return nil
			}

			path := cc.Cfg.Remote.TokenFile
			if path == "" {
				fmt.Fprintln(out, "No credential configured")
				return nil
			}

			tok, meta, err := tokenfile.Load(path)
			if errors.Is(err, tokenfile.ErrNoToken) {
				fmt.Fprintf(out, "No token in %s\n", path)
				return nil
			}

			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Token file:  %s\n", path)
			fmt.Fprintf(out, "Issued for:  %s\n", orNotSet(meta[tokenfile.MetaBaseURL]))
			fmt.Fprintf(out, "State:       %s\n", tokenState(tok, time.Now()))

			return nil
		},
	}
}

// tokenState describes tok's expiry relative to now.
func tokenState(tok *oauth2.Token, now time.Time) string {
	switch {
	case tok.Expiry.IsZero():
		return "valid (no expiry)"
	case now.Before(tok.Expiry):
		return "valid until " + tok.Expiry.Local().Format(time.RFC3339)
	default:
		return "expired " + tok.Expiry.Local().Format(time.RFC3339)
	}
}

func readTokenLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no token on stdin")
	}

	return line, nil
}
