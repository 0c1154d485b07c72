package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veranda/internal/api"
	"veranda/internal/auth"
	"veranda/internal/commands"
	"veranda/internal/composer"
	"veranda/internal/config"
	"veranda/internal/filestore"
	"veranda/internal/http"
	"veranda/internal/images"
	"veranda/internal/push"
	"veranda/internal/realtime"
	"veranda/internal/room"
	"veranda/internal/seed"
	"veranda/internal/shell"
	"veranda/internal/storage"
	"veranda/internal/ws"

	"golang.org/x/sync/errgroup"
)

func newBlobStore(ctx context.Context, cfg *config.Config) (filestore.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendS3 {
		return filestore.NewS3Store(ctx, filestore.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			Endpoint:   cfg.S3Endpoint,
			PublicRead: cfg.S3Public,
			PresignTTL: cfg.S3PresignTTL,
		})
	}
	return filestore.NewLocalFileStore(cfg.UploadsPath, cfg.BaseURL)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("veranda", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (creates user with random password and prints details)")
	addRoom := flags.String("add-room", "", "Name of a room to create")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *addRoom != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	switch {
	case *addUser != "":
		return commands.AddUser(*addUser, cfg, stdout)
	case *addRoom != "":
		return commands.AddRoom(*addRoom, cfg, stdout)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := realtime.New(bbStorage, blobs)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, store); err != nil {
		return err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, store)
	if err != nil {
		return err
	}

	resolver := room.NewResolver(store)
	hub := ws.NewHub(ws.Deps{
		Resolver:   resolver,
		Messages:   store,
		Store:      store,
		Recents:    store,
		Compressor: images.NewCompressor(cfg.ImageQuality, cfg.ImageMaxWidth),
		Composer: composer.Config{
			MaxImageBytes: cfg.MaxImageBytes,
			SendTimeout:   cfg.SendTimeout,
			RecentSends:   cfg.RecentSends,
		},
	})

	pushConfig := push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}
	if pushConfig.Enabled() {
		notifier := push.NewNotifier(store, hub, pushConfig, nil)
		store.OnMessage(notifier.Notify)
	} else {
		slog.Info("web push disabled, run vapidkeys to generate keys")
	}

	apiHandlers := api.New(authService, store, resolver, shell.New(cfg.MobileBreakpoint), hub, cfg.VAPIDPublicKey)
	adminServer := http.NewAdminServer(authService, store, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, hub, apiHandlers, store, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
