package server

import (
	"context"
	"net/http"

	"approval-service/internal/config"
	"approval-service/internal/handler"
	"approval-service/internal/mailer"
	"approval-service/internal/publisher"
	"approval-service/internal/rate"
	"approval-service/internal/repository"
	"approval-service/internal/router"
	"approval-service/internal/service"
	"approval-service/internal/worker"
	"approval-service/pkg/cache"
	"approval-service/pkg/id"
	"approval-service/pkg/notifier"
	"approval-service/pkg/template"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Server struct {
	HTTP   *http.Server
	Worker *worker.ReminderWorker

	dbpool *pgxpool.Pool
	pub    *publisher.FulfillmentPublisher
}

func NewServer(cfg config.Config, logger *zap.Logger) (*Server, error) {
	// --- DB connection ---
	dbpool, err := pgxpool.New(context.Background(), cfg.DBConnString)
	if err != nil {
		return nil, err
	}

	// --- Redis ---
	rdb := cache.NewCache([]string{cfg.RedisAddr}, cfg.RedisPass, false)

	// --- Repos ---
	tokenRepo := repository.NewTokenRepo(dbpool)
	execRepo := repository.NewExecutionRepo(dbpool)
	deliveryRepo := repository.NewDeliveryRepo(dbpool)

	// --- Snowflake ID generator ---
	sf, err := id.NewSnowflake(7)
	if err != nil {
		return nil, err
	}

	// --- Dispatcher: templates + SMTP transport ---
	tmplService := template.NewTemplateService("./templates/email")
	sender := mailer.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.FromAddress)
	notif := notifier.NewNotifier(tmplService, sender, deliveryRepo, logger,
		cfg.ApprovalBaseURL, cfg.SendMaxAttempts, cfg.SendBackoff)

	// --- Fulfillment handoff ---
	pub := publisher.NewFulfillmentPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)

	// --- Services ---
	limiter := rate.NewLimiter(rdb, cfg.RateWindow, cfg.RateMaxInWindow, cfg.RateCooldown)
	execSvc := service.NewExecutionService(execRepo, sf, logger)
	issuerSvc := service.NewIssuerService(tokenRepo, execRepo, deliveryRepo, notif, limiter, sf, logger,
		cfg.LeadTime, cfg.ReminderThresholds)
	decisionSvc := service.NewDecisionService(tokenRepo, execRepo, deliveryRepo, notif, pub, logger)
	reminderSvc := service.NewReminderService(tokenRepo, execRepo, deliveryRepo, notif, logger, cfg.ReminderThresholds)
	analyticsSvc := service.NewAnalyticsService(tokenRepo, deliveryRepo)
	eventsSvc := service.NewEventsService(tokenRepo, deliveryRepo, rdb, logger)

	// --- Worker ---
	reminderWorker := worker.NewReminderWorker(reminderSvc, logger, cfg.SweepInterval)

	// --- HTTP routes ---
	h := handler.NewApprovalHandler(execSvc, issuerSvc, decisionSvc, analyticsSvc, eventsSvc)
	r := chi.NewRouter()
	r = router.SetupRoutes(r, h).(*chi.Mux)

	return &Server{
		HTTP: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: r,
		},
		Worker: reminderWorker,
		dbpool: dbpool,
		pub:    pub,
	}, nil
}

func (s *Server) Close() {
	s.Worker.Stop()
	_ = s.pub.Close()
	s.dbpool.Close()
}
