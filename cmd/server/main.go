/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize zap logger and SQLite store
  3. Wire ledger, workflow machine, services, accrual engine
  4. Configure HTTP router
  5. Start server and accrual scheduler with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: ledger.db)
              Use ":memory:" for an in-memory database
  -org        Organization id served by the accrual scheduler
  -tz         IANA timezone for the organization (default: UTC)
  -approvers  Comma-separated approval chain for submitted requests
  -accrue     Run the accrual scheduler (default: true)
  -dev        Development logger (human-readable, debug level)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the accrual scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database and a two-step chain
  ./server -db=":memory:" -approvers="manager,hr"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/calendar"
	"github.com/warp/leave-ledger/core"
	"github.com/warp/leave-ledger/idempotency"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/overtime"
	"github.com/warp/leave-ledger/policy"
	"github.com/warp/leave-ledger/store/sqlite"
	"github.com/warp/leave-ledger/workflow"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	orgID := flag.String("org", "default", "organization id for the accrual scheduler")
	tz := flag.String("tz", "UTC", "IANA timezone for the organization")
	approvers := flag.String("approvers", "manager", "comma-separated approval chain")
	accrue := flag.Bool("accrue", true, "run the accrual scheduler")
	dev := flag.Bool("dev", false, "development logger")
	flag.Parse()

	log, err := buildLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatal("invalid timezone", zap.String("tz", *tz), zap.Error(err))
	}

	// Store
	st, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer st.Close()

	// Policies
	policies, err := loadPolicies()
	if err != nil {
		log.Fatal("failed to load policies", zap.Error(err))
	}

	// Domain wiring
	led := ledger.New(st.Ledger())
	guard := idempotency.NewGuard(st)
	machine := workflow.NewMachine(st.Workflow())
	machine.Register(workflow.KindLeave, leave.NewFinalizer(led, policies))
	machine.Register(workflow.KindOvertime, overtime.NewFinalizer(led, policies))

	chain := workflow.StaticChain(splitChain(*approvers))
	schedules := calendar.StaticSchedules{}
	holidays := calendar.NoHolidays{}
	zones := calendar.FixedZone{Loc: loc}

	leaveSvc := leave.NewService(leave.ServiceConfig{
		Machine:   machine,
		Store:     st.Workflow(),
		Guard:     guard,
		Policies:  policies,
		Calendar:  holidays,
		Schedules: schedules,
		Zones:     zones,
		Chain:     chain,
		Logger:    log.Named("leave"),
	})
	overtimeSvc := overtime.NewService(overtime.ServiceConfig{
		Machine:   machine,
		Store:     st.Workflow(),
		Guard:     guard,
		Policies:  policies,
		Schedules: schedules,
		Chain:     chain,
		Logger:    log.Named("overtime"),
	})
	engine := accrual.NewEngine(accrual.EngineConfig{
		Store:       st.Ledger(),
		Ledger:      led,
		Policies:    policies,
		Enrollments: accrual.StaticEnrollments{},
		Calendar:    holidays,
		Schedules:   schedules,
		Logger:      log.Named("accrual"),
	})

	handler := api.NewHandler(api.HandlerConfig{
		Leave:    leaveSvc,
		Overtime: overtimeSvc,
		Machine:  machine,
		Ledger:   led,
		LedgerTx: st.Ledger(),
		Engine:   engine,
		Guard:    guard,
		Requests: st,
		Logger:   log.Named("api"),
	})
	router := api.NewRouter(handler, log.Named("http"))

	// Accrual scheduler
	scheduler := accrual.NewScheduler(engine, zones, log.Named("scheduler"), core.OrgID(*orgID))
	scheduler.Enabled = *accrue
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadPolicies builds the startup policy set: standard annual leave, the
// TOIL benefit it credits into, and a two-tier overtime policy.
func loadPolicies() (policy.StaticSource, error) {
	annual, err := policy.ParseLeavePolicy([]byte(policy.StandardAnnualLeaveJSON("annual-std", "Standard Annual Leave", 2.5, 5)))
	if err != nil {
		return policy.StaticSource{}, err
	}
	toil, err := policy.ParseLeavePolicy([]byte(policy.TOILPolicyJSON("toil-std", "Time Off In Lieu")))
	if err != nil {
		return policy.StaticSource{}, err
	}
	ot, err := policy.ParseOvertimePolicy([]byte(policy.StandardOvertimeJSON("ot-std", "Standard Overtime", 2)))
	if err != nil {
		return policy.StaticSource{}, err
	}
	return policy.StaticSource{
		Leave: map[core.PolicyID]policy.LeavePolicy{
			annual.ID: annual,
			toil.ID:   toil,
		},
		Overtime: map[core.PolicyID]policy.OvertimePolicy{
			ot.ID: ot,
		},
	}, nil
}

func splitChain(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
