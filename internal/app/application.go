package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/events"
	"github.com/R3E-Network/fundraiser/internal/app/notify"
	"github.com/R3E-Network/fundraiser/internal/app/scheduler"
	"github.com/R3E-Network/fundraiser/internal/app/services/campaigns"
	"github.com/R3E-Network/fundraiser/internal/app/services/donations"
	"github.com/R3E-Network/fundraiser/internal/app/services/users"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
	"github.com/R3E-Network/fundraiser/internal/app/storage/memory"
	"github.com/R3E-Network/fundraiser/internal/app/system"
	"github.com/R3E-Network/fundraiser/internal/auth"
	"github.com/R3E-Network/fundraiser/internal/config"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Job names registered with the scheduler.
const (
	JobExpireCampaigns = "expire-campaigns"
	JobVerifyDonations = "verify-donations"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users     storage.UserStore
	OTPs      storage.OTPStore
	Campaigns storage.CampaignStore
	Donations storage.DonationStore
}

// Options carries the optional collaborators. Zero values give a working
// development setup: log-only mail, no transaction verifier, dev JWT secret.
type Options struct {
	Tokens     *auth.TokenManager
	OTPTTL     time.Duration
	Notifier   notify.Notifier
	Verifier   donations.Verifier
	Scheduler  config.SchedulerConfig
	JobTimeout time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Tokens    *auth.TokenManager
	Events    *events.Hub
	Scheduler *scheduler.Scheduler

	Users     *users.Service
	Campaigns *campaigns.Service
	Donations *donations.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.OTPs == nil {
		stores.OTPs = mem
	}
	if stores.Campaigns == nil {
		stores.Campaigns = mem
	}
	if stores.Donations == nil {
		stores.Donations = mem
	}

	tokens := opts.Tokens
	if tokens == nil {
		log.Warn("no token manager configured; using the development JWT secret")
		tokens = auth.NewTokenManager(config.DefaultJWTSecret, "fundraiser", 0)
	}
	mailer := opts.Notifier
	if mailer == nil {
		mailer = notify.NewLogNotifier(log.Component("mail"))
	}
	hub := events.NewHub()

	userService := users.New(stores.Users, stores.OTPs, tokens, log.Component("users"))
	userService.AttachNotifier(mailer)
	if opts.OTPTTL > 0 {
		userService.SetOTPTTL(opts.OTPTTL)
	}
	campaignService := campaigns.New(stores.Campaigns, stores.Users, log.Component("campaigns"))
	donationService := donations.New(stores.Donations, stores.Campaigns, log.Component("donations"))
	donationService.AttachDependencies(opts.Verifier, mailer, hub)
	if opts.Verifier == nil {
		log.Warn("VERIFIER_URL not set; donation verification disabled")
	}

	manager := system.NewManager()

	var sched *scheduler.Scheduler
	if opts.Scheduler.Enabled {
		sched = scheduler.New(log.Component("scheduler"), opts.JobTimeout)
		jobs := []scheduler.Job{{
			Name: JobExpireCampaigns,
			Spec: opts.Scheduler.ExpirySpec,
			Run:  campaignService.ExpireDue,
		}}
		if opts.Verifier != nil {
			jobs = append(jobs, scheduler.Job{
				Name: JobVerifyDonations,
				Spec: opts.Scheduler.VerifySpec,
				Run: func(ctx context.Context) (int, error) {
					return donationService.VerifyPending(ctx, 0)
				},
			})
		}
		for _, job := range jobs {
			if err := sched.Add(job); err != nil {
				return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
			}
		}
		if err := manager.Register(sched); err != nil {
			return nil, fmt.Errorf("register %s: %w", sched.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Tokens:    tokens,
		Events:    hub,
		Scheduler: sched,
		Users:     userService,
		Campaigns: campaignService,
		Donations: donationService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Names()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and waits for in-flight receipt mail.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Donations.Wait()
	return err
}
