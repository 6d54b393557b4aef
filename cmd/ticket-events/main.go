// Command ticket-events consumes ticket events from RabbitMQ or Kafka and
// keeps an audit trail of them, in a log file or in MongoDB.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iliyamo/ticket-reservation/internal/config"
	"github.com/iliyamo/ticket-reservation/internal/logger"
	"github.com/iliyamo/ticket-reservation/internal/queue"
)

func main() {
	envFile := pflag.String("env-file", "", "load environment variables from this file (default ./.env if present)")
	broker := pflag.String("broker", "rabbitmq", "event source: rabbitmq or kafka")
	auditKind := pflag.String("audit", "file", "audit sink: file or mongo")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal(err)
	}
	cfg := config.LoadConsumer()
	lg := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "ticket-events"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var audit queue.Auditor
	switch *auditKind {
	case "file":
		fa, err := queue.NewFileAudit(cfg.AuditLogPath)
		if err != nil {
			lg.Fatal("audit log unavailable", "error", err)
		}
		audit = fa
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			lg.Fatal("mongo connect failed", "error", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pctx, nil)
		cancel()
		if err != nil {
			lg.Fatal("mongo ping failed", "error", err)
		}
		audit = queue.NewMongoAudit(client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))
	default:
		lg.Fatal("unknown audit sink", "audit", *auditKind)
	}

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		URL:        cfg.RabbitMQURL,
		Queue:      cfg.RabbitMQQueue,
		DedupeSize: cfg.DedupeSize,
		DedupeTTL:  cfg.DedupeTTL,
	}, audit, lg.Logger)

	var err error
	switch *broker {
	case "rabbitmq":
		lg.Info("consuming ticket events", "broker", *broker, "queue", cfg.RabbitMQQueue, "audit", *auditKind)
		err = consumer.Run(ctx)
	case "kafka":
		reader := queue.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
		defer func() {
			if cerr := reader.Close(); cerr != nil {
				lg.Warn("closing kafka reader", "error", cerr)
			}
		}()
		lg.Info("consuming ticket events", "broker", *broker, "topic", cfg.KafkaTopic,
			"group", cfg.KafkaGroupID, "audit", *auditKind)
		err = consumer.RunKafka(ctx, reader)
	default:
		lg.Fatal("unknown broker", "broker", *broker)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	lg.Info("consumer stopped")
}
