package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/config"
	"github.com/imrishuroy/go-payment-reconciliation/internal/eventlog"
	"github.com/imrishuroy/go-payment-reconciliation/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/sweep"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(context.Background(), cfg.AWS.Region)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	orderStore := orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.ProcessedEvents, cfg.EventTTL())
	eventStore := eventlog.NewStore(clients.DynamoDB, cfg.Tables.ProcessedEvents, cfg.EventTTL())
	metrics := aws.NewMetrics(clients.CloudWatch, cfg.AWS.MetricsNamespace)

	var notifier reconcile.Notifier
	if cfg.Notify.QueueURL != "" {
		notifier = reconcile.NewQueueNotifier(aws.NewPublisher(clients.SQS, cfg.Notify.QueueURL))
	}
	rec := reconcile.New(orderStore, eventStore, notifier, metrics)
	issuer := gateway.NewIssuer(gateway.StaticKey(cfg.Gateway.SecretKey), cfg.Gateway.Currency)
	sweeper := sweep.New(orderStore, issuer, rec, metrics, cfg.SweepStaleAfter(), cfg.SweepAbandonAfter())

	handle := func(ctx context.Context, ev events.CloudWatchEvent) (sweep.Report, error) {
		log.Printf("[sweep] triggered by %s at %s", ev.Source, ev.Time)
		return sweeper.Run(ctx)
	}

	// RUN_LOCAL=true runs a single pass and exits.
	if cfg.Server.RunLocal {
		rep, err := handle(context.Background(), events.CloudWatchEvent{Source: "local"})
		if err != nil {
			log.Fatalf("local sweep error: %v", err)
		}
		log.Printf("local sweep done: %+v", rep)
		return
	}

	lambda.Start(handle)
}
