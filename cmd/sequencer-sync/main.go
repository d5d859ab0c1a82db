package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/drafts"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/syncchannel"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sequencer-sync",
		Short: "Command line client for sequencer threads",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "threads",
			Short: "List threads and pending invitations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runThreads(cmd)
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Follow push events and keep the local thread cache current",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWatch(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "username <handle>",
			Short: "Register the public handle for the configured user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runUsername(cmd, args[0])
			},
		},
	)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("base-url", defaults.GetString("client.base_url"), "Sequencer API base URL")
	cmd.PersistentFlags().String("user-id", "", "User identifier")
	cmd.PersistentFlags().String("user-name", "", "Public handle sent with invitations")
	cmd.PersistentFlags().String("api-key", "", "API key exchanged for access tokens")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("drafts", defaults.GetBool("drafts.enabled"), "Persist unsaved work per thread")
	cmd.PersistentFlags().String("drafts-dir", defaults.GetString("drafts.dir"), "Directory for draft files")

	bindFlag(cmd, "client.base_url", "base-url")
	bindFlag(cmd, "client.user_id", "user-id")
	bindFlag(cmd, "client.user_name", "user-name")
	bindFlag(cmd, "auth.api_key", "api-key")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "drafts.enabled", "drafts")
	bindFlag(cmd, "drafts.dir", "drafts-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

type session struct {
	config config.ClientConfig
	logger *zap.Logger
	tokens *remote.APIKeyTokenSource
	client *remote.Client
}

func openSession() (*session, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	tokens, err := remote.NewAPIKeyTokenSource(remote.APIKeyTokenConfig{
		BaseURL: clientConfig.BaseURL,
		APIKey:  clientConfig.APIKey,
		UserID:  clientConfig.UserID,
	})
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.Config{
		BaseURL: clientConfig.BaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &session{config: clientConfig, logger: logger, tokens: tokens, client: client}, nil
}

func runThreads(cmd *cobra.Command) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	member, err := sess.client.ListThreads(ctx, sess.config.UserID)
	if err != nil {
		return err
	}
	invited, err := sess.client.ListInvitedThreads(ctx, sess.config.UserID)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tROLE\tCHECKPOINTS\tUPDATED")
	for _, thread := range member {
		fmt.Fprintf(writer, "%s\t%s\tmember\t%d\t%s\n", thread.ID, thread.Name, len(thread.MessageIDs), thread.UpdatedAt.Format(time.RFC3339))
	}
	for _, thread := range invited {
		invite, _ := thread.PendingInvite(sess.config.UserID)
		fmt.Fprintf(writer, "%s\t%s\tinvited by %s\t%d\t%s\n", thread.ID, thread.Name, invite.InvitedBy, len(thread.MessageIDs), thread.UpdatedAt.Format(time.RFC3339))
	}
	return writer.Flush()
}

func runUsername(cmd *cobra.Command, handle string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.logger.Sync() //nolint:errcheck

	username := strings.TrimSpace(handle)
	if err := threads.ValidateUsername(username); err != nil {
		return err
	}
	if err := sess.client.SetUsername(cmd.Context(), sess.config.UserID, username); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "username set to %s\n", username)
	return nil
}

func runWatch(parent context.Context) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	logger := sess.logger
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := threads.NewULIDProvider(time.Now)
	clientID, err := ids.NewID()
	if err != nil {
		return err
	}
	channel, err := syncchannel.Open(syncchannel.Config{
		URL:      sess.config.WebSocketURL,
		ClientID: clientID,
		Tokens:   sess.tokens,
		Logger:   logger.Named("push"),
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	var draftStore threads.DraftStore
	if sess.config.DraftsEnabled {
		fileStore, err := drafts.NewFileStore(sess.config.DraftsDir, logger.Named("drafts"))
		if err != nil {
			return err
		}
		draftStore = fileStore
	}

	document := sequencer.NewDocument()
	store, err := threads.NewStore(threads.StoreConfig{
		Remote:        sess.client,
		Document:      document,
		History:       sequencer.NewHistory(document, sequencer.HistoryConfig{Logger: logger}),
		Drafts:        draftStore,
		DraftsEnabled: sess.config.DraftsEnabled,
		UserID:        sess.config.UserID,
		UserName:      sess.config.UserName,
		IDProvider:    ids,
		Logger:        logger.Named("store"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	changes, cancel := store.Subscribe(threads.ScopeThreads, "")
	defer cancel()
	failures, cancelFailures := store.Subscribe(threads.ScopeErrors, "")
	defer cancelFailures()

	if loaded, err := store.LoadThreads(ctx); err != nil {
		logger.Warn("initial thread load failed", zap.Error(err))
	} else {
		logger.Info("threads loaded", zap.Int("count", len(loaded)))
	}

	go store.Run(ctx, channel)

	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopped")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			fields := []zap.Field{zap.String("reason", change.Reason)}
			if change.ThreadID != "" {
				if thread, found := store.Thread(change.ThreadID); found {
					fields = append(fields, zap.String("thread_id", thread.ID), zap.String("name", thread.Name), zap.Int("checkpoints", len(thread.MessageIDs)))
				} else {
					fields = append(fields, zap.String("thread_id", change.ThreadID))
				}
			}
			logger.Info("threads changed", fields...)
		case change, ok := <-failures:
			if !ok {
				return nil
			}
			logger.Warn("sync error", zap.String("thread_id", change.ThreadID), zap.String("reason", change.Reason), zap.Error(change.Err))
		}
	}
}
