package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/config"
	"github.com/imrishuroy/go-payment-reconciliation/internal/eventlog"
	"github.com/imrishuroy/go-payment-reconciliation/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciliation/internal/handlers"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/webhook"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterWebhookRoutes(r, cfg)
	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

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
	} else {
		log.Printf("[api] NOTIFY_QUEUE_URL not set, transitions will not be announced")
	}
	if cfg.Webhook.Secret == "" {
		log.Printf("[api] STRIPE_WEBHOOK_SECRET not set, every webhook delivery will be rejected")
	}

	issuer := gateway.NewIssuer(gateway.StaticKey(cfg.Gateway.SecretKey), cfg.Gateway.Currency)
	rec := reconcile.New(orderStore, eventStore, notifier, metrics)

	r := setupRouter(handlers.HandlerConfig{
		Verifier:   webhook.NewVerifier(cfg.Webhook.Secret, cfg.WebhookTolerance()),
		Reconciler: rec,
		Checkout:   gateway.NewService(orderStore, issuer, cfg.Gateway.MaxAttempts),
		Metrics:    metrics,
	})

	// if RUN_LOCAL is "true", run a local HTTP server for development.
	if cfg.Server.RunLocal {
		log.Printf("running local server on %s", cfg.Server.Addr)
		if err := r.Run(cfg.Server.Addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
