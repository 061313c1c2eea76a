package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/config"
	"github.com/MarcoPoloResearchLab/possel-client/internal/database"
	"github.com/MarcoPoloResearchLab/possel-client/internal/engine"
	"github.com/MarcoPoloResearchLab/possel-client/internal/history"
	"github.com/MarcoPoloResearchLab/possel-client/internal/logging"
	"github.com/MarcoPoloResearchLab/possel-client/internal/push"
	"github.com/MarcoPoloResearchLab/possel-client/internal/reconcile"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	"github.com/MarcoPoloResearchLab/possel-client/internal/restapi"
	"github.com/MarcoPoloResearchLab/possel-client/internal/session"
	"github.com/MarcoPoloResearchLab/possel-client/internal/store"
	"github.com/MarcoPoloResearchLab/possel-client/internal/transcript"
	"github.com/MarcoPoloResearchLab/possel-client/internal/view"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds what every subcommand needs.
type runtime struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	client  *restapi.Client
	session *session.Manager
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	client, err := restapi.NewClient(restapi.ClientConfig{
		BaseURL:    appConfig.BaseURL,
		CookieName: appConfig.CookieName,
		Logger:     logger.Named("restapi"),
	})
	if err != nil {
		return nil, err
	}

	tokens, err := session.NewTokenStore(db)
	if err != nil {
		return nil, err
	}
	manager, err := session.NewManager(session.ManagerConfig{
		Client:   client,
		Tokens:   tokens,
		BaseURL:  appConfig.BaseURL,
		Username: appConfig.Username,
		Password: appConfig.Password,
		Logger:   logger.Named("session"),
	})
	if err != nil {
		return nil, err
	}

	return &runtime{config: appConfig, logger: logger, db: db, client: client, session: manager}, nil
}

func (r *runtime) Close() {
	_ = r.logger.Sync()
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func runClient(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	if err := rt.session.Ensure(ctx); err != nil {
		return err
	}

	dispatcher := render.NewDispatcher(logger.Named("render"))
	sinks := []render.Sink{render.NewTerminal(os.Stdout), dispatcher}
	var archive *transcript.Archive
	if rt.config.TranscriptEnabled {
		archive, err = transcript.NewArchive(transcript.ArchiveConfig{
			Database: rt.db,
			BaseURL:  session.NormalizeBaseURL(rt.config.BaseURL),
			Logger:   logger.Named("transcript"),
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, archive)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Fetcher:      rt.client,
		Store:        store.New(),
		Sink:         render.Multi(sinks...),
		Workers:      rt.config.ResolveWorkers,
		Timeout:      rt.config.ResolveTimeout,
		Retries:      rt.config.ResolveRetries,
		PendingLimit: rt.config.PendingLimit,
		Logger:       logger.Named("reconcile"),
	})
	if err != nil {
		return err
	}

	backfiller, err := history.NewBackfiller(rt.client, rt.config.BackfillWindow, logger.Named("history"))
	if err != nil {
		return err
	}

	listener, err := push.NewListener(push.ListenerConfig{
		URL:        rt.config.PushURL,
		Header:     sessionHeader(rt.client),
		MinBackoff: rt.config.PushMinBackoff,
		MaxBackoff: rt.config.PushMaxBackoff,
		Logger:     logger.Named("push"),
	})
	if err != nil {
		return err
	}

	var viewHandler http.Handler
	if rt.config.ViewAddress != "" {
		gin.SetMode(gin.ReleaseMode)
		deps := view.Dependencies{
			Store:  reconciler.Store(),
			State:  reconciler.State(),
			Events: dispatcher,
			Poster: rt.client,
			Logger: logger.Named("view"),
		}
		if archive != nil {
			deps.Transcript = archive
		}
		viewHandler, err = view.NewHTTPHandler(deps)
		if err != nil {
			return err
		}
	}

	syncEngine, err := engine.New(engine.Config{
		Client:      rt.client,
		Listener:    listener,
		Backfiller:  backfiller,
		Reconciler:  reconciler,
		ViewAddress: rt.config.ViewAddress,
		ViewHandler: viewHandler,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("client starting", zap.String("server", rt.config.BaseURL), zap.String("push", rt.config.PushURL))
	return syncEngine.Run(ctx)
}

// sessionHeader presents the current token to the push endpoint on every dial.
func sessionHeader(client *restapi.Client) func() http.Header {
	return func() http.Header {
		token := client.Token()
		if token == "" {
			return nil
		}
		header := http.Header{}
		header.Add("Cookie", (&http.Cookie{Name: client.CookieName(), Value: token}).String())
		return header
	}
}

func newLoginCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			username := strings.TrimSpace(rt.config.Username)
			if username == "" {
				return errors.New("--username is required")
			}
			if password == "" {
				password = rt.config.Password
			}
			if err := rt.session.Login(cmd.Context(), username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s as %s\n", rt.config.BaseURL, username)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (defaults to session.password)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.session.Logout(cmd.Context())
		},
	}
}

func newSendCommand() *cobra.Command {
	var bufferFlag string
	cmd := &cobra.Command{
		Use:   "send --buffer ID MESSAGE...",
		Short: "Post a line to a buffer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bufferID, err := chat.ParseBufferID(bufferFlag)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.session.Ensure(cmd.Context()); err != nil {
				return err
			}
			return rt.client.PostLine(cmd.Context(), bufferID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&bufferFlag, "buffer", "", "Target buffer id")
	_ = cmd.MarkFlagRequired("buffer")
	return cmd
}

func newJoinCommand() *cobra.Command {
	var serverFlag string
	cmd := &cobra.Command{
		Use:   "join --server ID CHANNEL",
		Short: "Join a channel on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, err := chat.ParseBufferID(serverFlag)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.session.Ensure(cmd.Context()); err != nil {
				return err
			}
			return rt.client.JoinBuffer(cmd.Context(), serverID, args[0])
		},
	}
	cmd.Flags().StringVar(&serverFlag, "server", "", "System buffer id of the server")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}
