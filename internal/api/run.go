package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SocialSupport/internal/form"
	"github.com/BTreeMap/SocialSupport/internal/genai"
	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/notify"
	"github.com/BTreeMap/SocialSupport/internal/places"
	"github.com/BTreeMap/SocialSupport/internal/render"
	"github.com/BTreeMap/SocialSupport/internal/schema"
	"github.com/BTreeMap/SocialSupport/internal/session"
	"github.com/BTreeMap/SocialSupport/internal/store"
	"github.com/BTreeMap/SocialSupport/internal/submission"
)

// Run builds every module from its options and serves the API until ctx is cancelled.
func Run(ctx context.Context, storeOpts []store.Option, genaiOpts []genai.Option, placesOpts []places.Option,
	notifyOpts []notify.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	backend, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("Run: failed to close store", "error", err)
		}
	}()

	formSchema, err := loadSchema(cfg.SchemaPath)
	if err != nil {
		return err
	}
	tr, err := i18n.New()
	if err != nil {
		return fmt.Errorf("failed to load translations: %w", err)
	}
	renderer, err := render.New(formSchema, tr)
	if err != nil {
		return fmt.Errorf("failed to compile templates: %w", err)
	}
	placesSvc, err := places.NewService(placesOpts...)
	if err != nil {
		return fmt.Errorf("failed to create address lookup: %w", err)
	}

	var assistant Assistant
	genaiClient, err := genai.NewClient(genaiOpts...)
	switch {
	case err == nil:
		assistant = genaiClient
	case errors.Is(err, genai.ErrNoAPIKey):
		slog.Info("Run: writing assistance disabled, no OpenAI API key")
	default:
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	var submitOpts []submission.Option
	if cfg.SubmitDelay != nil {
		submitOpts = append(submitOpts, submission.WithDelay(*cfg.SubmitDelay))
	}
	template := form.Config{
		Schema:     formSchema,
		Translator: tr,
		Submitter:  submission.NewEchoSubmitter(submitOpts...),
	}
	if sender, err := notify.NewTwilioSender(notifyOpts...); err != nil {
		slog.Info("Run: receipt SMS disabled", "reason", err)
	} else {
		template.Notifier = notify.NewSMSNotifier(sender, tr)
	}

	var sessionOpts []session.Option
	if cfg.IdleTimeout != nil {
		sessionOpts = append(sessionOpts, session.WithIdleTimeout(*cfg.IdleTimeout))
	}
	registry := session.NewRegistry(session.Config{
		Template:   template,
		Persistent: backend,
		// Submission history lives only as long as the process, like a browser session.
		History: store.NewHistory(store.NewMemoryBackend()),
	}, sessionOpts...)

	server := NewServer(Deps{
		Schema:     formSchema,
		Translator: tr,
		Sessions:   registry,
		Renderer:   renderer,
		Places:     placesSvc,
		Assistant:  assistant,
	}, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return registry.Run(gctx)
	})
	slog.Info("Run: SocialSupport started", "addr", server.addr, "steps", formSchema.Len())
	return g.Wait()
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default()
	}
	s, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load form schema: %w", err)
	}
	slog.Info("Run: form schema loaded", "path", path, "steps", s.Len())
	return s, nil
}
