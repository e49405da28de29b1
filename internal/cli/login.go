package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/config"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session token in the env file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var signupCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Create an account on the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignup,
}

var displayName string

func init() {
	rootCmd.AddCommand(loginCmd, signupCmd)
	signupCmd.Flags().StringVar(&displayName, "display-name", "", "name shown to other users")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	root, err := api.ServerRoot(cfg.BaseURL)
	if err != nil {
		return err
	}
	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()
	sess, err := api.Login(ctx, nil, root, args[0], password)
	if err != nil {
		return err
	}

	if err := saveSession(envFile, sess); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s, credentials saved to %s\n", sess.User.Username, envFile)
	return nil
}

func runSignup(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	root, err := api.ServerRoot(cfg.BaseURL)
	if err != nil {
		return err
	}
	password, err := readPassword("Choose a password: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()
	u, err := api.Signup(ctx, nil, root, args[0], password, displayName)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", u.Username, u.ID)
	return nil
}

// saveSession merges the session credentials into the dotenv file at path.
func saveSession(path string, sess *api.Session) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(err, "read %s", path)
		}
		env = make(map[string]string)
	}
	env[config.EnvPrefix+"_TOKEN"] = sess.Token
	env[config.EnvPrefix+"_USER_ID"] = sess.User.ID
	env[config.EnvPrefix+"_USERNAME"] = sess.User.Username
	if err := godotenv.Write(env, path); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return os.Chmod(path, 0o600)
}

// readPassword prompts without echo on a terminal and reads a plain line otherwise.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", errors.Wrap(err, "read password")
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "read password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
