package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
	extractorx "github.com/curahealth/cura-agent/agent/extractor"
	generatorx "github.com/curahealth/cura-agent/agent/generator"
	llmx "github.com/curahealth/cura-agent/agent/llm"
	orchestratorx "github.com/curahealth/cura-agent/agent/orchestrator"
	promptx "github.com/curahealth/cura-agent/agent/prompt"
	recordsx "github.com/curahealth/cura-agent/agent/records"
	statex "github.com/curahealth/cura-agent/agent/state"
	toolx "github.com/curahealth/cura-agent/agent/tool"
	configx "github.com/curahealth/cura-agent/pkg/config"
	gcalx "github.com/curahealth/cura-agent/pkg/gcal"
	_ "github.com/curahealth/cura-agent/pkg/logger/autoload"
	mailerx "github.com/curahealth/cura-agent/pkg/mailer"
	openaix "github.com/curahealth/cura-agent/pkg/openaix"
	serverx "github.com/curahealth/cura-agent/server"
)

type AppConfig struct {
	SessionBackend  string        `envconfig:"SESSION_BACKEND" split_words:"true" default:"upstash"`
	CalendarEnabled bool          `envconfig:"CALENDAR_ENABLED" split_words:"true" default:"true"`
	RecordsEnabled  bool          `envconfig:"RECORDS_ENABLED" split_words:"true" default:"true"`
	LockWait        time.Duration `envconfig:"LOCK_WAIT" split_words:"true" default:"5s"`
	TurnTimeout     time.Duration `envconfig:"TURN_TIMEOUT" split_words:"true" default:"90s"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("APP")

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid llm config")
	}

	prompts := promptx.LoadPromptSet()

	generatorModelCfg := llmCfg.OpenAIFor(llmx.RoleGenerator)
	chatModel, err := generatorModelCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("create generator chat model")
	}
	gen, err := generatorx.New(ctx, chatModel, prompts.Assistant)
	if err != nil {
		log.Fatal().Err(err).Msg("create generator")
	}

	extractorModelCfg := llmCfg.OpenAIFor(llmx.RoleExtractor)
	openaiClient := openaix.NewClient(extractorModelCfg)
	if openaiClient == nil {
		log.Fatal().Msg("create openai client: api key is missing")
	}
	ext, err := extractorx.New(openaiClient, extractorModelCfg.Model, prompts.Extractor)
	if err != nil {
		log.Fatal().Err(err).Msg("create extractor")
	}

	store := newSessionStore(appCfg.SessionBackend)

	var records contractx.RecordStore
	if appCfg.RecordsEnabled {
		recordsCfg := configx.MustNew[recordsx.Config]("RECORDS")
		recordStore, err := recordsx.NewStore(*recordsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create record store")
		}
		defer recordStore.Close()
		records = recordStore
	}

	mailCfg := configx.MustNew[mailerx.Config]("SMTP")
	mail := mailerx.MustNew(*mailCfg)

	var calendar toolx.CalendarClient
	if appCfg.CalendarEnabled {
		gcalCfg := configx.MustNew[gcalx.Config]("GCAL")
		calendar = calendarAdapter{client: gcalx.MustNew(*gcalCfg)}
	}

	gateway := toolx.NewGateway(mail, calendar, records)

	orch, err := orchestratorx.New(store, gen, ext, gateway, records, orchestratorx.Config{
		LockWait:    appCfg.LockWait,
		TurnTimeout: appCfg.TurnTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create orchestrator")
	}

	httpCfg := configx.MustNew[serverx.Config]("HTTP")
	srv, err := serverx.New(orch, *httpCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create http server")
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server stopped")
	}
	log.Info().Msg("shutdown complete")
}

func newSessionStore(backend string) statex.Store {
	switch backend {
	case "memory":
		log.Warn().Msg("using in-memory session store, sessions will not survive a restart")
		return statex.NewMemoryStore()
	default:
		redisCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		store, err := statex.NewUpstashRedisStore(*redisCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create session store")
		}
		return store
	}
}

// calendarAdapter bridges the gateway's calendar contract onto the Google
// Calendar client.
type calendarAdapter struct {
	client *gcalx.Client
}

func (a calendarAdapter) CreateEvent(ctx context.Context, ev toolx.CalendarEvent) error {
	return a.client.CreateEvent(ctx, gcalx.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       ev.Start,
		End:         ev.End,
	})
}

func (a calendarAdapter) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]toolx.CalendarEvent, error) {
	events, err := a.client.ListEvents(ctx, timeMin, timeMax)
	if err != nil {
		return nil, err
	}
	out := make([]toolx.CalendarEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, toolx.CalendarEvent{
			Title:       ev.Summary,
			Description: ev.Description,
			Start:       ev.Start,
			End:         ev.End,
		})
	}
	return out, nil
}
