// Package app is the composition layer of the fundraiser service.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # user, campaign and donation models
//	├── storage/            # store interfaces
//	│   ├── memory/         # in-memory implementation (default, tests)
//	│   ├── postgres/       # PostgreSQL implementation and migrations
//	│   └── redis/          # one-time password store
//	├── services/           # users, campaigns, donations business rules
//	├── events/             # in-process donation event hub
//	├── notify/             # OTP and receipt mail
//	├── scheduler/          # cron jobs: campaign expiry, donation verification
//	├── metrics/            # Prometheus collectors
//	├── system/             # lifecycle manager
//	└── httpapi/            # REST handlers, audit log, live feed
//
// # Dependency Direction
//
//	cmd/fundraiser/
//	      │
//	      ▼
//	internal/app (composition) ──► services ──► storage ──► domain
//	      │
//	      └──► httpapi ──► internal/middleware, internal/httputil
//
// Nil stores passed to New fall back to the in-memory implementation, so the
// whole API can run without any external dependency.
package app
