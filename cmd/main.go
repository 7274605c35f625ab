package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"plannersync/internal/api"
	"plannersync/internal/config"
	"plannersync/internal/google"
	"plannersync/internal/icloud"
	"plannersync/internal/models"
	"plannersync/internal/normalize"
	"plannersync/internal/reconcile"
	"plannersync/internal/retry"
	"plannersync/internal/scheduler"
	"plannersync/internal/store"
	"plannersync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "plannersync",
		Usage: "Import external calendar events into the planner's appointment store.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "plannersync.toml", EnvVars: []string{"PLANNERSYNC_CONFIG"}, Usage: "Path to the TOML config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
			deleteCommand(),
			putEventCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	normalizer *normalize.Normalizer
	store      *store.Store
	client     syncer.CalendarClient
	session    models.Session
}

func setup(c *cli.Context, needStore bool) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{cfg: cfg, logger: setupLogger(cfg.LogLevel), normalizer: normalize.New(cfg.Location)}

	if err := a.connectCalendar(); err != nil {
		return nil, err
	}

	if needStore {
		st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		a.store = st
		a.logger.Info("Opened appointment store.", "driver", cfg.Database.Driver)
	}
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) connectCalendar() error {
	switch a.cfg.Provider {
	case config.ProviderCalDAV:
		client, err := icloud.NewClient(a.logger, a.cfg.CalDAV.URL, a.cfg.CalDAV.Username, a.cfg.CalDAV.Password, a.normalizer.Location())
		if err != nil {
			return fmt.Errorf("failed to create caldav client: %w", err)
		}
		a.client = client
		// CalDAV authenticates per request; the session only names the account.
		a.session = models.Session{Account: a.cfg.CalDAV.Username}
	default:
		oauthConfig, err := google.OAuthConfig(a.cfg.Google.ClientID, a.cfg.Google.ClientSecret, a.cfg.Google.CredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to get google oauth config: %w", err)
		}
		session, err := google.LoadSession(a.cfg.Google.TokenDir, a.cfg.Google.Account)
		if err != nil {
			return err
		}
		var limiter *rate.Limiter
		if rps := a.cfg.Google.RequestsPerSecond; rps > 0 {
			limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
		a.client = google.NewClient(a.logger, oauthConfig, limiter)
		a.session = session
	}
	return nil
}

func (a *app) newSyncer(dryRun bool) (*syncer.Syncer, error) {
	opts, err := syncOptions(a.cfg)
	if err != nil {
		return nil, err
	}
	opts.DryRun = dryRun
	engine := reconcile.New(a.logger, a.store)
	return syncer.New(a.logger, a.client, a.normalizer, engine, a.store, opts), nil
}

// syncOptions translates the sync section of the config.
func syncOptions(cfg *config.Config) (syncer.Options, error) {
	start, end, err := cfg.Window()
	if err != nil {
		return syncer.Options{}, err
	}
	return syncer.Options{
		Pacing: syncer.Pacing{
			BeforeFirstPage:  retry.Fixed(cfg.Sync.BeforeFirstPage),
			BetweenBatches:   retry.Fixed(cfg.Sync.BetweenBatches),
			BetweenCalendars: retry.Fixed(cfg.Sync.BetweenCalendars),
		},
		Retry:  retry.Policy{Attempts: cfg.Sync.RetryAttempts, Delay: retry.Fixed(cfg.Sync.RetryDelay)},
		Window: syncer.Window{Min: start, Max: end},
	}, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Printf("Enter a name for this account [%s]: ", cfg.Google.Account)
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = cfg.Google.Account
			}
			tokenFile := google.TokenPath(cfg.Google.TokenDir, accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars of the configured account.",
		Action: func(c *cli.Context) error {
			a, err := setup(c, false)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Provider == config.ProviderGoogle {
				if accounts, err := google.TokenAccounts(a.cfg.Google.TokenDir); err == nil && len(accounts) > 1 {
					a.logger.Info("Other authenticated accounts are available.", "accounts", accounts, "using", a.cfg.Google.Account)
				}
			}

			cals, err := a.client.ListCalendars(c.Context, a.session)
			if err != nil {
				return fmt.Errorf("failed to list calendars: %w", err)
			}
			for _, cal := range cals {
				fmt.Printf("%-50s %s\n", cal.ID, cal.DisplayName)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Usage: "Planner user id to sync into. Defaults to sync.user_id."},
			&cli.StringSliceFlag{Name: "calendar", Usage: "Calendar id to sync. Repeat for several; defaults to sync.calendar_ids."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
			&cli.StringFlag{Name: "cron", Usage: "Run sync on a cron schedule, e.g. '*/30 * * * *'."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c, true)
			if err != nil {
				return err
			}
			defer a.close()

			if c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
			}

			userID := a.cfg.Sync.UserID
			if c.IsSet("user") {
				userID = c.Int64("user")
			}
			calendarIDs := a.cfg.Sync.CalendarIDs
			if ids := c.StringSlice("calendar"); len(ids) > 0 {
				calendarIDs = ids
			}
			if len(calendarIDs) == 0 {
				return errors.New("no calendars to sync: pass --calendar or set GOOGLE_CALENDAR_IDS")
			}

			s, err := a.newSyncer(c.Bool("dry-run"))
			if err != nil {
				return fmt.Errorf("failed to create syncer: %w", err)
			}
			run := func(ctx context.Context) error {
				report, err := s.RunSync(ctx, a.session, userID, calendarIDs)
				if report != nil {
					logReport(a.logger, report)
				}
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch {
			case c.IsSet("cron"):
				sched, err := scheduler.New(a.logger, a.cfg.Location, c.String("cron"), run)
				if err != nil {
					return err
				}
				return sched.Start(ctx)
			case c.IsSet("watch"):
				interval := time.Duration(c.Int("watch")) * time.Second
				a.logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := run(ctx); err != nil {
						if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
							return err
						}
						a.logger.Error("Sync cycle failed", "error", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			default:
				a.logger.Info("Running a single sync cycle.")
				if err := run(ctx); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
			}
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete a synced appointment so it is not imported again.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Usage: "Planner user id. Defaults to sync.user_id."},
			&cli.StringFlag{Name: "external-id", Required: true, Usage: "External event id of the appointment."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c, true)
			if err != nil {
				return err
			}
			defer a.close()

			userID := a.cfg.Sync.UserID
			if c.IsSet("user") {
				userID = c.Int64("user")
			}
			d := syncer.NewDeleter(a.logger, a.store, a.client)
			return d.DeleteAppointment(c.Context, a.session, userID, c.String("external-id"))
		},
	}
}

func putEventCommand() *cli.Command {
	return &cli.Command{
		Name:  "put-event",
		Usage: "Create an event on the connected calendar, or update one with --id.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "calendar", Required: true, Usage: "Calendar id to write to."},
			&cli.StringFlag{Name: "id", Usage: "External id of the event to update."},
			&cli.StringFlag{Name: "title", Required: true, Usage: "Event title."},
			&cli.StringFlag{Name: "start", Required: true, Usage: "Start, RFC 3339 or YYYY-MM-DD for all-day events."},
			&cli.StringFlag{Name: "end", Required: true, Usage: "End, in the same format as --start."},
			&cli.StringFlag{Name: "description", Usage: "Event description."},
			&cli.StringFlag{Name: "location", Usage: "Event location."},
			&cli.BoolFlag{Name: "all-day", Usage: "Treat --start and --end as dates."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c, false)
			if err != nil {
				return err
			}
			defer a.close()

			fields, err := parseEventFields(c.String("title"), c.String("start"), c.String("end"), c.Bool("all-day"), a.normalizer.Location())
			if err != nil {
				return err
			}
			fields.Description = c.String("description")
			fields.Location = c.String("location")

			calendarID := c.String("calendar")
			if id := c.String("id"); id != "" {
				if err := a.client.UpdateEvent(c.Context, a.session, calendarID, id, fields); err != nil {
					return fmt.Errorf("failed to update event: %w", err)
				}
				a.logger.Info("Updated event.", "calendarID", calendarID, "id", id)
				return nil
			}
			id, err := a.client.CreateEvent(c.Context, a.session, calendarID, fields)
			if err != nil {
				return fmt.Errorf("failed to create event: %w", err)
			}
			a.logger.Info("Created event.", "calendarID", calendarID, "id", id)
			fmt.Println(id)
			return nil
		},
	}
}

// parseEventFields reads command-line event times. All-day values are dates
// in loc; timed values are RFC 3339.
func parseEventFields(title, start, end string, allDay bool, loc *time.Location) (models.EventFields, error) {
	if strings.TrimSpace(title) == "" {
		return models.EventFields{}, errors.New("event title is required")
	}
	layout := time.RFC3339
	if allDay {
		layout = time.DateOnly
	}
	s, err := time.ParseInLocation(layout, start, loc)
	if err != nil {
		return models.EventFields{}, fmt.Errorf("invalid start %q: %w", start, err)
	}
	e, err := time.ParseInLocation(layout, end, loc)
	if err != nil {
		return models.EventFields{}, fmt.Errorf("invalid end %q: %w", end, err)
	}
	if !e.After(s) {
		return models.EventFields{}, fmt.Errorf("end %s is not after start %s", end, start)
	}
	return models.EventFields{Summary: title, Start: s, End: e, AllDay: allDay}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run scheduled syncs.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-schedule", Usage: "Do not run scheduled syncs."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c, true)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.newSyncer(false)
			if err != nil {
				return fmt.Errorf("failed to create syncer: %w", err)
			}
			d := syncer.NewDeleter(a.logger, a.store, a.client)
			h := api.NewHandler(a.logger, a.store, s, d, a.session, a.cfg.Server.SyncsPerMinute)
			h.DefaultCalendars = a.cfg.Sync.CalendarIDs

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              a.cfg.Server.Listen,
				Handler:           h.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			tasks := []func(context.Context) error{serveHTTP(a.logger, srv)}

			if !c.Bool("no-schedule") && len(a.cfg.Sync.CalendarIDs) > 0 {
				sched, err := scheduler.New(a.logger, a.cfg.Location, a.cfg.Sync.Cron, func(ctx context.Context) error {
					report, err := s.RunSync(ctx, a.session, a.cfg.Sync.UserID, a.cfg.Sync.CalendarIDs)
					if report != nil {
						logReport(a.logger, report)
					}
					return err
				})
				if err != nil {
					return err
				}
				tasks = append(tasks, sched.Start)
			}

			return runAll(ctx, tasks...)
		},
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(logger *slog.Logger, srv *http.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			logger.Info("Server starting.", "listen", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
		}

		logger.Info("Shutting down server.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced shutdown: %w", err)
		}
		logger.Info("Server stopped.")
		return nil
	}
}

// runAll runs tasks until ctx is done or one of them fails. The first error
// stops the others and is returned once all have exited.
func runAll(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(context.Context) error) {
			defer wg.Done()
			if err := task(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(task)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func logReport(logger *slog.Logger, r *syncer.Report) {
	for _, cal := range r.Calendars {
		if cal.Status == syncer.StatusFailed {
			logger.Warn("Calendar failed", "run", r.RunID, "calendarID", cal.ID, "error", cal.Error)
			continue
		}
		logger.Info("Calendar synced", "run", r.RunID, "calendarID", cal.ID, "status", cal.Status, "events", cal.Events)
	}
	logger.Info("Sync report.",
		"run", r.RunID,
		"submitted", r.EventsSubmitted,
		"upserted", r.Upserted,
		"deleted", r.Deleted,
		"suppressed", r.Suppressed,
		"failed", r.Failed(),
		"duration", r.FinishedAt.Sub(r.StartedAt),
	)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
