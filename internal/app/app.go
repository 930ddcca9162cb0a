package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"meterdash/internal/alerts"
	"meterdash/internal/automation"
	"meterdash/internal/broadcast"
	"meterdash/internal/cache"
	"meterdash/internal/config"
	"meterdash/internal/db"
	"meterdash/internal/journal"
	"meterdash/internal/metrics"
	"meterdash/internal/models"
	"meterdash/internal/retention"
	"meterdash/internal/sender"
	"meterdash/internal/source"
	"meterdash/internal/synth"
	"meterdash/internal/tickets"
	"meterdash/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db        *db.Repository
	series    *cache.Cache
	syncer    *tickets.Syncer
	auto      *automation.Client
	sender    *sender.Service
	journal   *journal.Writer
	retention *retention.Service

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)
	m := metrics.New()

	loader := source.NewLoader(cfg.SourceDirs)
	devices, daily, equipment := sourceSpecs(cfg.Sources)
	series := cache.New(devices, loader, source.NewNormalizer(cfg.TimestampLayouts, cfg.Timezone), logger.With("module", "cache"))
	series.OnLoad = m.SourceLoaded
	gen := synth.NewGenerator(series, equipment, cfg.Timezone)

	jw := journal.NewWriter(repo, logger.With("module", "journal"))

	hub := broadcast.NewHub(cfg.SubscriberBuffer, logger.With("module", "broadcast"))
	hub.OnDrop = m.BroadcastDropped
	hub.OnCount = m.Observers

	store := tickets.NewStore(cfg.TicketCapacity)
	store.OnChange(func(c tickets.Change) {
		m.TicketMerged(c.Path, string(c.Action))
		jw.TicketEvent(models.TicketEvent{
			TS:       c.Ticket.UpdatedAt,
			TicketID: c.Ticket.ID,
			Path:     c.Path,
			Action:   string(c.Action),
			Status:   string(c.Ticket.Status),
			Priority: string(c.Ticket.Priority),
		})
		switch c.Action {
		case tickets.ActionCreated:
			hub.Publish(broadcast.Event{Type: broadcast.TypeNewTicket, Data: c.Ticket})
		case tickets.ActionUpdated:
			hub.Publish(broadcast.Event{Type: broadcast.TypeTicketUpdated, Data: c.Ticket})
		}
	})

	recordDispatch := func(d models.Dispatch) {
		var err error
		if d.Status != "sent" {
			err = errors.New(d.Error)
		}
		m.Dispatched(d.Type, err)
		jw.Dispatch(d)
	}
	auto := automation.New(cfg.Automation)
	auto.OnDispatch = recordDispatch
	syncer := tickets.NewSyncer(auto, store, logger.With("module", "tickets"))
	engine := alerts.NewEngine(repo, auto, cfg.AlertOperator, cfg.AlertThreshold, cfg.AlertCooldown, logger.With("module", "alerts"))

	sinks := buildSinks(cfg, auto, logger)
	snd := sender.NewService(gen, sinks, engine, cfg.SenderInterval, logger.With("module", "sender"))
	snd.OnReading = func(r models.SyntheticReading) {
		hub.Publish(broadcast.Event{Type: broadcast.TypeSyntheticData, Data: r})
	}
	snd.OnDispatch = recordDispatch

	w := web.NewServer(web.Deps{
		Series:     series,
		Loader:     loader,
		Daily:      daily,
		Generator:  gen,
		Tickets:    store,
		Syncer:     syncer,
		Hub:        hub,
		Automation: auto,
		Sender:     snd,
		Repo:       repo,
		Metrics:    m,
	}, logger.With("module", "web"))

	a := &App{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		series:    series,
		syncer:    syncer,
		auto:      auto,
		sender:    snd,
		journal:   jw,
		retention: retention.NewService(repo, cfg.RetentionDays, logger.With("module", "retention")),
	}
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

// Send runs the synthetic sender without the HTTP surface: one cycle, or
// periodic cycles until ctx ends when auto is set. Dispatches are journaled
// before it returns.
func (a *App) Send(ctx context.Context, forceBreach, auto bool) ([]sender.Delivery, error) {
	jctx, stopJournal := context.WithCancel(context.Background())
	go a.journal.Run(jctx)
	defer func() {
		stopJournal()
		<-a.journal.Done()
	}()
	if !auto {
		return a.sender.SendOnce(ctx, forceBreach)
	}
	a.sender.Start()
	<-ctx.Done()
	a.sender.Stop()
	return nil, nil
}

func (a *App) Run(ctx context.Context) error {
	jctx, stopJournal := context.WithCancel(context.Background())
	go a.journal.Run(jctx)

	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", "err", err)
		}
	}()

	retentionTicker := time.NewTicker(6 * time.Hour)
	defer retentionTicker.Stop()

	// Immediate first run
	a.warm()
	a.retention.Run(ctx)
	if a.auto.Config().TicketHistory != "" {
		if _, err := a.syncer.Sync(ctx); err != nil {
			a.log.Warn("initial ticket sync failed", "err", err)
		}
	}
	if a.cfg.SenderAutostart {
		a.sender.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(stopJournal)
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}

// warm loads every device once so load failures surface at startup.
func (a *App) warm() {
	for _, id := range a.series.Devices() {
		if _, err := a.series.Load(id); err != nil {
			a.log.Warn("device history unavailable", "device", id, "err", err)
		}
	}
}

func (a *App) shutdown(stopJournal context.CancelFunc) error {
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := a.httpSrv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.sender.Close(); err != nil {
		errs = append(errs, err)
	}
	stopJournal()
	<-a.journal.Done()
	if err := a.db.DB().Close(); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases what New acquired when Run is never called.
func (a *App) Close() error {
	return errors.Join(a.sender.Close(), a.db.DB().Close())
}

func sourceSpecs(sources []config.Source) (devices []source.Spec, daily source.Spec, equipment map[string]string) {
	equipment = map[string]string{}
	for _, s := range sources {
		spec := source.Spec{ID: s.ID, File: s.File, Equipment: s.Equipment}
		if s.Header.Strategy == "probe" {
			spec.Marker = s.Header.Marker
		} else {
			spec.HeaderRow = s.Header.Row
		}
		switch s.Kind {
		case "combined":
			if daily.File == "" {
				daily = spec
			}
		default:
			devices = append(devices, spec)
			if s.Equipment != "" {
				equipment[s.ID] = s.Equipment
			}
		}
	}
	return devices, daily, equipment
}

// buildSinks always includes the automation webhook and adds each broker
// sink that is configured and reachable.
func buildSinks(cfg config.Config, auto *automation.Client, logger *slog.Logger) []sender.Sink {
	log := logger.With("module", "sender")
	sinks := []sender.Sink{sender.NewWebhookSink(auto)}
	if cfg.MQTTBroker != "" {
		if s, err := sender.NewMQTTSink(cfg.MQTTBroker, cfg.MQTTTopic, log); err != nil {
			log.Warn("mqtt sink disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.AMQPURL != "" {
		if s, err := sender.NewAMQPSink(cfg.AMQPURL, cfg.AMQPQueue, log); err != nil {
			log.Warn("amqp sink disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		if s, err := sender.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic); err != nil {
			log.Warn("kafka sink disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}
