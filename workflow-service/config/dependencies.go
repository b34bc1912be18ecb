package config

import (
	"context"
	"fmt"
	"sync"

	barista "github.com/coffeehut/workflow/barista-service/application"
	delivery "github.com/coffeehut/workflow/delivery-service/application"
	orderapp "github.com/coffeehut/workflow/order-service/application"
	orderdomain "github.com/coffeehut/workflow/order-service/domain"
	orderinfra "github.com/coffeehut/workflow/order-service/infrastructure"
	paymentapp "github.com/coffeehut/workflow/payment-service/application"
	paymentdomain "github.com/coffeehut/workflow/payment-service/domain"
	paymentinfra "github.com/coffeehut/workflow/payment-service/infrastructure"
	"github.com/coffeehut/workflow/shared/events"
	sharedinfra "github.com/coffeehut/workflow/shared/infrastructure"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/coffeehut/workflow/workflow-service/handlers"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type closer interface {
	Close() error
}

type Dependencies struct {
	Logger *logger.Logger

	// Storage
	DB                *sqlx.DB
	Redis             *redis.Client
	EventLog          events.EventLog
	OrderRepository   orderdomain.OrderRepository
	PaymentRepository paymentdomain.PaymentRepository

	// Use Cases
	TakeOrder       *orderapp.TakeOrder
	ConfirmOrder    *orderapp.ConfirmOrder
	CancelOrder     *orderapp.CancelOrder
	GetOrder        *orderapp.GetOrder
	InitiatePayment *paymentapp.InitiatePayment
	RefundPayment   *paymentapp.RefundPayment
	GetPayment      *paymentapp.GetPayment

	// Choreography
	Router *saga.ChoreographyRouter
	Steps  handlers.Steps

	// HTTP Handlers
	WorkflowHandlers *handlers.WorkflowHandlers

	// Event Handlers
	WorkflowEventHandlers *handlers.WorkflowEventHandlers

	// Infrastructure
	EventPublisher  events.Publisher
	EventSubscriber events.Subscriber
	transport       []closer

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()

	cancel  context.CancelFunc
	running sync.WaitGroup
}

func BuildDependencies(ctx context.Context, config *Config, log *logger.Logger) (*Dependencies, error) {
	if log == nil {
		log = logger.Nop()
	}
	deps := &Dependencies{Logger: log}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.WorkflowServiceConfig.
			WithServiceName(config.ServiceName).
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			log.Warn(ctx, "failed to initialize telemetry", err)
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	if err := deps.buildStorage(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	if err := deps.buildTransport(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	var dedupe handlers.Deduplicator
	if config.Redis.URL != "" {
		client, err := sharedinfra.NewRedisClient(ctx, sharedinfra.RedisConfig{URL: config.Redis.URL})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.Redis = client
		dedupe = sharedinfra.NewRedisDeduplicator(client, config.Redis.DedupeTTL, log)
	}

	publisher := deps.EventPublisher

	// Initialize use cases
	deps.TakeOrder = orderapp.NewTakeOrder(deps.OrderRepository, publisher)
	deps.ConfirmOrder = orderapp.NewConfirmOrder(deps.OrderRepository, publisher)
	deps.CancelOrder = orderapp.NewCancelOrder(deps.OrderRepository, publisher)
	deps.GetOrder = orderapp.NewGetOrder(deps.OrderRepository)
	deps.InitiatePayment = paymentapp.NewInitiatePayment(deps.PaymentRepository, publisher)
	deps.RefundPayment = paymentapp.NewRefundPayment(deps.PaymentRepository, publisher)
	deps.GetPayment = paymentapp.NewGetPayment(deps.PaymentRepository)

	// Initialize steps
	steps := config.Steps
	deps.Steps = handlers.Steps{
		Payment: saga.NewStep[events.CompletePaymentRequest, events.PaymentCompleted, events.PaymentFailed](
			stepConfig("payment", steps.Payment, steps, events.PaymentCompletedTopic, events.PaymentFailedTopic),
			paymentapp.NewCompletePayment(deps.PaymentRepository, newOracle("payment-gateway", steps.Payment)),
			paymentapp.ClassifyPayment,
			publisher,
			log,
		),
		Preparation: saga.NewStep[events.OrderConfirmed, events.OrderPrepared, events.OrderPreparationFailed](
			stepConfig("preparation", steps.Barista, steps, events.OrderPreparedTopic, events.OrderPreparationFailedTopic),
			barista.NewPrepareOrder(newOracle("barista", steps.Barista)),
			barista.ClassifyPreparation,
			publisher,
			log,
		),
		Delivery: saga.NewStep[events.OrderPrepared, events.OrderServed, events.OrderSpilt](
			stepConfig("delivery", steps.Delivery, steps, events.OrderServedTopic, events.OrderSpiltTopic),
			delivery.NewServeOrder(newOracle("delivery", steps.Delivery)),
			delivery.ClassifyDelivery,
			publisher,
			log,
		),
	}

	// Initialize handlers
	deps.Router = saga.NewChoreographyRouter(log)
	deps.WorkflowEventHandlers = handlers.NewWorkflowEventHandlers(
		deps.TakeOrder,
		deps.ConfirmOrder,
		deps.CancelOrder,
		deps.InitiatePayment,
		deps.RefundPayment,
		log,
	)
	deps.WorkflowEventHandlers.Register(deps.Router, deps.Steps, dedupe)
	deps.WorkflowHandlers = handlers.NewWorkflowHandlers(publisher, deps.EventLog, deps.GetOrder, deps.GetPayment, log)

	return deps, nil
}

func (d *Dependencies) buildStorage(ctx context.Context, config *Config) error {
	switch config.Storage {
	case StoragePostgres:
		db, err := sharedinfra.NewPostgresDB(ctx, sharedinfra.PostgresConfig{URL: config.GetDatabaseURL()})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		d.DB = db

		if err := sharedinfra.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to prepare database schema: %w", err)
		}

		d.OrderRepository = orderinfra.NewPostgresOrderRepository(db)
		d.PaymentRepository = paymentinfra.NewPostgresPaymentRepository(db)
		d.EventLog = sharedinfra.NewPostgresEventLog(db)
	default:
		d.OrderRepository = orderinfra.NewMemoryOrderRepository()
		d.PaymentRepository = paymentinfra.NewMemoryPaymentRepository()
		d.EventLog = sharedinfra.NewMemoryEventLog()
	}
	return nil
}

func (d *Dependencies) buildTransport(ctx context.Context, config *Config) error {
	var publisher events.Publisher

	switch config.Transport {
	case TransportSNS:
		awsConfig := sharedinfra.AWSConfig{Region: config.AWS.Region, Endpoint: config.AWS.Endpoint}

		snsPublisher, err := sharedinfra.NewSNSPublisher(ctx, awsConfig, config.AWS.SNSTopicArn)
		if err != nil {
			return fmt.Errorf("failed to create SNS publisher: %w", err)
		}
		publisher = snsPublisher

		subscriber, err := sharedinfra.NewSQSSubscriber(ctx, awsConfig, config.AWS.SQSQueueURL,
			sharedinfra.WithSubscriberLogger(d.Logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create SQS subscriber: %w", err)
		}
		d.EventSubscriber = subscriber
	case TransportKafka:
		kafkaConfig := sharedinfra.KafkaConfig{
			Brokers:     config.Kafka.Brokers,
			GroupID:     config.Kafka.GroupID,
			TopicPrefix: config.Kafka.TopicPrefix,
		}

		kafkaPublisher, err := sharedinfra.NewKafkaEventPublisher(kafkaConfig)
		if err != nil {
			return fmt.Errorf("failed to create Kafka publisher: %w", err)
		}
		publisher = kafkaPublisher
		d.transport = append(d.transport, kafkaPublisher)

		subscriber, err := sharedinfra.NewKafkaEventSubscriber(kafkaConfig, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create Kafka subscriber: %w", err)
		}
		d.EventSubscriber = subscriber
	default:
		bus := sharedinfra.NewMemoryBus(d.Logger)
		publisher = bus
		d.EventSubscriber = bus
	}

	d.EventPublisher = sharedinfra.NewAuditedPublisher(publisher, d.EventLog, d.Logger)
	return nil
}

func stepConfig(name string, step Step, steps Steps, success, failure events.Topic) saga.StepConfig {
	return saga.StepConfig{
		Name:            name,
		SuccessTopic:    success,
		FailureTopic:    failure,
		Concurrency:     step.Concurrency,
		CompletionOrder: !step.Ordered,
		RestartDelay:    steps.RestartDelay,
	}
}

func newOracle(name string, step Step) saga.StatusOracle {
	return sharedinfra.NewHTTPStatusOracle(sharedinfra.OracleConfig{
		Name:    name,
		BaseURL: step.BaseURL,
		Timeout: step.Timeout,
	})
}

// Start runs the steps and subscribes the router to every topic it handles.
// Everything stops when ctx is cancelled or Close is called.
func (d *Dependencies) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, step := range d.Steps.All() {
		d.running.Add(1)
		go func(step handlers.StepRunner) {
			defer d.running.Done()
			if err := step.Run(ctx); err != nil {
				d.Logger.Error(d.Logger.WithField(ctx, "step", step.Name()), "step stopped", err)
			}
		}(step)
	}

	if err := d.EventSubscriber.Subscribe(ctx, d.Router.Topics(), d.Router); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.cancel != nil {
		d.cancel()
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	d.running.Wait()

	for _, c := range d.transport {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
