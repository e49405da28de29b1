package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <username> <text>...",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Hide a conversation for good on this account",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(sendCmd, deleteCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := openSession(cmd.Context(), cfg, log, nil)
	if err != nil {
		return err
	}

	peer, err := s.ResolvePeer(cmd.Context(), args[0])
	if err != nil {
		closeSession(s)
		return err
	}
	msg, ok := s.Send(cmd.Context(), peer, strings.Join(args[1:], " "))
	if !ok {
		closeSession(s)
		return errors.New("nothing to send")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), closeTimeout)
	defer cancel()
	flushErr := s.Flush(ctx)
	failed := s.Pending(peer.ID, msg.ID)
	if err := closeSession(s); err != nil {
		return err
	}
	if flushErr != nil {
		return errors.Wrap(flushErr, "waiting for the server")
	}
	if failed {
		return errors.Errorf("message to %s was not delivered", peer.Username)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s\n", peer.Username)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := openSession(cmd.Context(), cfg, log, nil)
	if err != nil {
		return err
	}
	peer, err := s.ResolvePeer(cmd.Context(), args[0])
	if err != nil {
		closeSession(s)
		return err
	}
	if err := s.DeleteConversation(cmd.Context(), peer); err != nil {
		closeSession(s)
		return err
	}
	if err := closeSession(s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation with %s\n", peer.Username)
	return nil
}
