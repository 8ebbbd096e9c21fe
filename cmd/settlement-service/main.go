package main

import (
	"context"
	"fmt"
	"os"

	"github.com/monkeysworks/settlement/internal/auth"
	"github.com/monkeysworks/settlement/internal/config"
	"github.com/monkeysworks/settlement/internal/cron"
	"github.com/monkeysworks/settlement/internal/db"
	"github.com/monkeysworks/settlement/internal/event"
	"github.com/monkeysworks/settlement/internal/excel"
	"github.com/monkeysworks/settlement/internal/gateway"
	httphandler "github.com/monkeysworks/settlement/internal/http"
	"github.com/monkeysworks/settlement/internal/http/middleware"
	"github.com/monkeysworks/settlement/internal/logger"
	"github.com/monkeysworks/settlement/internal/pdf"
	"github.com/monkeysworks/settlement/internal/repository"
	"github.com/monkeysworks/settlement/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	database, err := db.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}

	contractRepo := repository.NewContractRepository(database)
	milestoneRepo := repository.NewMilestoneRepository(database)
	escrowRepo := repository.NewEscrowRepository(database)
	disputeRepo := repository.NewDisputeRepository(database)
	trackingRepo := repository.NewTimeTrackingRepository(database)
	invoiceRepo := repository.NewInvoiceRepository(database)

	var paymentGateway gateway.Gateway = gateway.NewHTTPGateway(cfg.Gateway)
	if cfg.Gateway.BaseURL == "" {
		log.Warn().Msg("no payment gateway configured, using stub")
		paymentGateway = gateway.NewStub()
	}
	bus := event.NewBus(log)

	pdfGenerator := pdf.NewGenerator()
	excelGenerator := excel.NewGenerator()

	contractService := service.NewContractService(contractRepo, escrowRepo, bus, cfg, log)
	milestoneService := service.NewMilestoneService(contractRepo, milestoneRepo, escrowRepo, paymentGateway, bus, cfg, log)
	disputeService := service.NewDisputeService(contractRepo, milestoneRepo, disputeRepo, escrowRepo, paymentGateway, bus, cfg, log)
	trackingService := service.NewTimeTrackingService(contractRepo, trackingRepo, escrowRepo, paymentGateway, nil, excelGenerator, bus, cfg, log)
	invoiceService := service.NewInvoiceService(contractRepo, milestoneRepo, trackingRepo, invoiceRepo, pdfGenerator, bus, cfg, log)
	sweepService := service.NewSweepService(milestoneRepo, escrowRepo, invoiceRepo, disputeRepo, disputeService, milestoneService, cfg, log)

	// Paid receipts are written off the settlement events; a failure here is
	// logged and retried by hand, never rolled into the money path.
	bus.Subscribe(event.MilestoneFunded, func(evt event.Event) {
		if _, err := invoiceService.GenerateForMilestone(context.Background(), evt.EntityID); err != nil {
			log.Error().Err(err).Str("milestone_id", evt.EntityID.String()).Msg("milestone receipt failed")
		}
	})
	bus.Subscribe(event.TimesheetApproved, func(evt event.Event) {
		if _, err := invoiceService.GenerateForTimesheet(context.Background(), evt.EntityID); err != nil {
			log.Error().Err(err).Str("timesheet_id", evt.EntityID.String()).Msg("timesheet receipt failed")
		}
	})
	bus.Subscribe(event.EscrowRefunded, func(evt event.Event) {
		if _, err := invoiceService.MarkRefundedForMilestone(context.Background(), evt.EntityID); err != nil {
			log.Error().Err(err).Str("milestone_id", evt.EntityID.String()).Msg("invoice refund mark failed")
		}
	})

	scheduler := cron.NewScheduler(sweepService, log)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweep scheduler")
	}
	defer scheduler.Stop()

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)
	handler := httphandler.NewHandler(contractService, milestoneService, disputeService, trackingService, invoiceService, log)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	log.Info().Str("addr", addr).Msg("starting settlement service")

	if err := router.Run(addr); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
