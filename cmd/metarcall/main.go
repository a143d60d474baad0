package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/metarcall/internal/api"
	"github.com/lox/metarcall/internal/calibration"
	"github.com/lox/metarcall/internal/engine"
	"github.com/lox/metarcall/internal/ingest"
	"github.com/lox/metarcall/internal/market"
	"github.com/lox/metarcall/internal/phone"
	"github.com/lox/metarcall/internal/store"
)

type cli struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,help='Environment file to load.'"`

	DB   string `default:"data/metarcall.db" env:"METARCALL_DB" help:"Path to the SQLite database."`
	Port string `default:"8080" env:"PORT" help:"HTTP server port."`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID" help:"Twilio account SID."`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN" help:"Twilio auth token."`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER" help:"Outbound caller ID."`
	TargetNumber     string `env:"WEATHER_PHONE_NUMBER" help:"Weather line phone number to call."`
	CallbackBaseURL  string `env:"CALLBACK_BASE_URL" help:"Public base URL for Twilio callbacks."`
	WebhookSecret    string `env:"TWILIO_WEBHOOK_SECRET" help:"Secret required on the recording callback."`

	OpenAIAPIKey    string `env:"OPENAI_API_KEY" help:"OpenAI API key for transcription."`
	TranscribeModel string `env:"OPENAI_TRANSCRIBE_MODEL" help:"Transcription model tried before the fallbacks."`

	MarketPriceURL string `env:"MARKET_PRICE_URL" help:"Market price feed endpoint."`

	Serve     serveCmd     `cmd:"" default:"1" help:"Run the scheduler and API server."`
	Poll      pollCmd      `cmd:"" help:"Run one ingestion cycle and exit."`
	Evaluate  evaluateCmd  `cmd:"" help:"Run one auto-call evaluation tick and exit."`
	Simulate  simulateCmd  `cmd:"" help:"Dry-run the decision guards and print the outcome."`
	Calibrate calibrateCmd `cmd:"" help:"Backtest extraction methods against reference highs."`
}

// app holds the wired subsystems shared by the subcommands.
type app struct {
	cli       *cli
	store     *store.Store
	engine    *engine.Engine
	phone     *phone.Service
	poller    *ingest.Poller
	forecasts *ingest.ForecastClient
	scheduler *ingest.Scheduler
	server    *api.Server
}

// disabledDialer keeps the decision engine runnable without Twilio
// credentials; a CALL decision then finalizes as CALL_FAILED.
type disabledDialer struct{}

func (disabledDialer) PlaceCall(ctx context.Context, dayKey, requestedBy string) (string, error) {
	return "", errors.New("telephony not configured: set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
}

func buildApp(flags *cli) (*app, func(), error) {
	db, err := store.Open(flags.DB)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { db.Close() }

	// The station timezone lives in stored settings, so migrate first and
	// read it back before building the located store.
	boot := store.New(db, time.UTC)
	if err := boot.Migrate(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	settings, err := boot.GetSettings()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		log.Printf("main: load timezone %q: %v, using UTC", settings.Timezone, err)
		loc = time.UTC
	}

	st := store.New(db, loc)

	forecasts := ingest.NewForecastClient(st, "")
	poller := ingest.NewPoller(st, ingest.NewReportSource(), nil)

	var phoneSvc *phone.Service
	var dialer engine.Dialer = disabledDialer{}
	if flags.TwilioAccountSID != "" && flags.TwilioAuthToken != "" {
		var transcriber phone.Transcriber
		if openaiTranscriber, err := phone.NewOpenAITranscriber(flags.OpenAIAPIKey); err != nil {
			log.Printf("main: transcription disabled: %v", err)
		} else {
			transcriber = openaiTranscriber
		}
		phoneSvc = phone.NewService(st, phone.NewTwilioClient(flags.TwilioAccountSID, flags.TwilioAuthToken), transcriber, nil, phone.Config{
			FromNumber:      flags.TwilioFromNumber,
			TargetNumber:    flags.TargetNumber,
			CallbackBaseURL: flags.CallbackBaseURL,
			WebhookSecret:   flags.WebhookSecret,
			ModelOverride:   flags.TranscribeModel,
		})
		dialer = phoneSvc
	} else {
		log.Println("main: telephony not configured, auto-calls will fail")
	}

	eng := engine.New(st, dialer, forecasts, nil)

	var prices *market.PriceClient
	if flags.MarketPriceURL != "" {
		prices = market.NewPriceClient(flags.MarketPriceURL)
	}

	calib := calibration.NewRunner(calibration.NewIEMClient(), loc)
	scheduler := ingest.NewScheduler(st, poller, forecasts, eng, prices)
	server := api.NewServer(st, eng, phoneSvc, forecasts, calib, flags.Port)

	return &app{
		cli:       flags,
		store:     st,
		engine:    eng,
		phone:     phoneSvc,
		poller:    poller,
		forecasts: forecasts,
		scheduler: scheduler,
		server:    server,
	}, cleanup, nil
}

type serveCmd struct {
	NoPoll bool `help:"Disable the scheduler (API server only)."`
}

func (c *serveCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		go a.scheduler.Run(ctx)
	} else {
		log.Println("main: scheduler disabled (--no-poll)")
	}

	log.Printf("main: starting server on :%s", a.cli.Port)
	return a.server.Run(ctx)
}

type pollCmd struct{}

func (c *pollCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return a.poller.PollOnce(ctx)
}

type evaluateCmd struct{}

func (c *evaluateCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	decision, err := a.engine.Evaluate(ctx)
	if err != nil {
		return err
	}
	if decision != nil {
		log.Printf("main: decision %s -> %s (%s)", decision.DecisionKey, decision.Decision, decision.ReasonCode)
	}
	return nil
}

type simulateCmd struct{}

func (c *simulateCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	simulation, err := a.engine.Simulate(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(simulation)
}

type calibrateCmd struct {
	Station  string `help:"Station identifier (defaults to the configured station)."`
	StartDay string `arg:"" help:"First day of the range (YYYY-MM-DD)."`
	EndDay   string `arg:"" help:"Last day of the range (YYYY-MM-DD)."`
	Refs     string `arg:"" help:"Path to a JSON file of reference highs keyed by day."`
}

func (c *calibrateCmd) Run(a *app) error {
	raw, err := os.ReadFile(c.Refs)
	if err != nil {
		return fmt.Errorf("read reference highs: %w", err)
	}
	var refs map[string]int
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("decode reference highs: %w", err)
	}

	station := c.Station
	if station == "" {
		settings, err := a.store.GetSettings()
		if err != nil {
			return err
		}
		station = settings.Station
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	runner := calibration.NewRunner(calibration.NewIEMClient(), a.store.Location())
	result, err := runner.Run(ctx, station, c.StartDay, c.EndDay, refs)
	if err != nil {
		return err
	}

	chosen := result.Evaluation.Chosen
	log.Printf("main: calibration chose %s (%.0f%% over %d days)", chosen.ID, chosen.MatchRate*100, chosen.TotalDays)
	for _, methodResult := range result.Evaluation.MethodResults {
		log.Printf("main:   %-36s matched %d/%d", methodResult.ID, methodResult.MatchedDays, methodResult.TotalDays)
	}
	return nil
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("metarcall"),
		kong.Description("Weather station truth tracking with auto-call verification."),
		kong.UsageOnError(),
	)

	a, cleanup, err := buildApp(&flags)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer cleanup()

	ctx.FatalIfErrorf(ctx.Run(a))
}
