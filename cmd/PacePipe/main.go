// Command PacePipe runs the WhatsApp intake agent: it receives messages from the
// configured transport, collects the required profile fields and replies at a human pace.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PacePipe/internal/api"
	"github.com/BTreeMap/PacePipe/internal/conversation"
	"github.com/BTreeMap/PacePipe/internal/dispatch"
	"github.com/BTreeMap/PacePipe/internal/engine"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/lockfile"
	"github.com/BTreeMap/PacePipe/internal/messaging"
	"github.com/BTreeMap/PacePipe/internal/sequencer"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	initializeLogger(slog.LevelInfo)

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(parseLogLevel(flags.logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PacePipe", "version", version, "transport", flags.transport, "state_dir", flags.stateDir)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("PacePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PacePipe exited successfully")
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gen, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	switch {
	case errors.Is(err, genai.ErrAPIKeyRequired):
		slog.Warn("OpenAI API key not set; free-form answers and voice transcription disabled")
		gen = nil
	case err != nil:
		return fmt.Errorf("failed to create genai client: %w", err)
	}

	svc, webhooks, cleanup, err := buildTransport(ctx, config, flags, gen)
	if err != nil {
		return err
	}
	defer cleanup()

	machineOpts := []conversation.Option{
		conversation.WithRequiredFields(parseRequiredFields(flags.requiredFields)...),
		conversation.WithAntiRepeatWindow(parseWindow(flags.antiRepeatWindow)),
	}
	if gen != nil {
		machineOpts = append(machineOpts, conversation.WithCompleter(gen))
	}
	machine := conversation.NewMachine(st, machineOpts...)

	proc := engine.New(st, machine, dispatch.New(svc),
		engine.WithSequencer(sequencer.New(st, sequencer.WithBaseContext(ctx))),
		engine.WithOwnerID(svc.OwnerID()),
		engine.WithPhonePrefill(flags.prefillPhone),
		engine.WithHumanizeDefaults(config.Humanize),
	)

	apiOpts := []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithStatusSource(proc),
		api.WithVersion(version),
	}
	for path, h := range webhooks {
		apiOpts = append(apiOpts, api.WithWebhook(path, h))
	}
	server := api.NewServer(apiOpts...)

	slog.Info("PacePipe running",
		"ownerID", svc.OwnerID(),
		"requiredFields", machine.RequiredFields(),
		"antiRepeatWindow", machine.Window(),
		"completion", gen != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}
		return proc.Run(gctx, svc.Inbound())
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return svc.Stop()
	})
	err = g.Wait()

	slog.Info("PacePipe draining in-flight conversations", "active", proc.Active())
	proc.Close()
	return err
}

// buildTransport creates the messaging service plus any HTTP handlers it needs.
func buildTransport(ctx context.Context, config Config, flags Flags, gen *genai.Client) (messaging.Service, map[string]http.HandlerFunc, func(), error) {
	switch flags.transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		var opts []messaging.WhatsAppOption
		if gen != nil {
			opts = append(opts, messaging.WithTranscriber(gen))
		}
		return messaging.NewWhatsAppService(client, opts...), nil, client.Disconnect, nil

	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioAuthToken != "" {
			opts = append(opts, messaging.WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(config.TwilioAuthToken)))
		}
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(config.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		hooks := map[string]http.HandlerFunc{api.TwilioWebhookPath: svc.WebhookHandler}
		return svc, hooks, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown transport %q (want %s or %s)", flags.transport, TransportWhatsApp, TransportTwilio)
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.waDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.openaiKey))
	}
	if flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.openaiModel))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, flags.stateDir))
	}
	return genaiOpts
}
