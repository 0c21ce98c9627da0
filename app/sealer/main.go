package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/swarmos/go-epoch-sealer/api"
	"github.com/swarmos/go-epoch-sealer/business/domain/collector"
	"github.com/swarmos/go-epoch-sealer/business/domain/epoch"
	"github.com/swarmos/go-epoch-sealer/business/domain/publisher"
	"github.com/swarmos/go-epoch-sealer/business/domain/settlement"
	"github.com/swarmos/go-epoch-sealer/business/domain/verify"
	"github.com/swarmos/go-epoch-sealer/entities"
	"github.com/swarmos/go-epoch-sealer/external/elastic"
	"github.com/swarmos/go-epoch-sealer/external/ethsig"
	"github.com/swarmos/go-epoch-sealer/external/kafka"
	"github.com/swarmos/go-epoch-sealer/external/names"
	"github.com/swarmos/go-epoch-sealer/infrastructure/metrics"
	"github.com/swarmos/go-epoch-sealer/infrastructure/store/ipfs"
	"github.com/swarmos/go-epoch-sealer/infrastructure/store/memstore"
	"github.com/swarmos/go-epoch-sealer/infrastructure/store/pebbledb"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SWARMPOOL_SEALER"

type objectStore interface {
	Put(ctx context.Context, path string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Sealer struct {
			Controller string `conf:"default:controller.swarmos.eth"`
			PrivateKey string `conf:"noprint"`
			PoolRoot   string `conf:"default:/swarmpool"`
			LedgerRoot string `conf:"default:/swarmledger"`
		}
		Epoch struct {
			Duration         time.Duration `conf:"default:1h"`
			Grace            time.Duration `conf:"default:2m"`
			PollInterval     time.Duration `conf:"default:10s"`
			CheckInterval    time.Duration `conf:"default:5s"`
			RecoveryMaxDelay time.Duration `conf:"default:1m"`
			MinerShareBps    uint64        `conf:"default:7500"`
			OpsShareBps      uint64        `conf:"default:2500"`
			StartID          uint32        `conf:"optional"` // first epoch id of an empty ledger
			NumWorkers       int           `conf:"default:8"`
			SeenCacheSize    int           `conf:"default:100000"`
		}
		Store struct {
			Backend string        `conf:"default:ipfs"` // ipfs or memory
			IpfsApi string        `conf:"default:http://127.0.0.1:5001"`
			Timeout time.Duration `conf:"default:30s"`
		}
		Identity struct {
			Static       []string      `conf:"optional"` // 0xADDRESS=name.eth
			RedisAddress string        `conf:"optional"`
			RedisKey     string        `conf:"default:swarmos:identities"`
			CacheTTL     time.Duration `conf:"default:1h"`
		}
		Publish struct {
			InitialInterval time.Duration `conf:"default:1s"`
			MaxInterval     time.Duration `conf:"default:30s"`
			MaxElapsedTime  time.Duration `conf:"default:2m"`
		}
		Broker struct {
			Enabled           bool          `conf:"default:false"`
			BootstrapServers  []string      `conf:"default:localhost:9092"`
			ProduceTopic      string        `conf:"default:swarmos-epochs"`
			HeartbeatInterval time.Duration `conf:"default:30s"`
		}
		Elastic struct {
			Enabled bool          `conf:"default:false"`
			Address string        `conf:"default:http://localhost:9200"`
			Index   string        `conf:"default:swarmos-settlements"`
			Timeout time.Duration `conf:"default:10s"`
		}
		Server struct {
			InternalStoreFolder string        `conf:"default:store"`
			ServerPort          int           `conf:"default:8000"`
			MetricsPort         int           `conf:"default:9999"`
			MetricsNamespace    string        `conf:"default:swarmos_sealer"`
			StatusCacheTTL      time.Duration `conf:"default:2s"`
		}
	}

	// load config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	namespace := entities.Namespace{PoolRoot: cfg.Sealer.PoolRoot, LedgerRoot: cfg.Sealer.LedgerRoot}

	signer, err := ethsig.NewSigner(cfg.Sealer.PrivateKey)
	if err != nil {
		return errors.Wrap(err, "creating signer")
	}
	log.Printf("main: Sealing as [%s] with address [%s].", cfg.Sealer.Controller, signer.Address())

	var store objectStore
	switch cfg.Store.Backend {
	case "ipfs":
		store, err = ipfs.NewStore(cfg.Store.IpfsApi, &http.Client{Timeout: cfg.Store.Timeout})
		if err != nil {
			return errors.Wrap(err, "creating ipfs store")
		}
	case "memory":
		log.Println("[WARN] main: Using in-memory object store. Nothing is persisted.")
		store = memstore.New()
	default:
		return errors.Errorf("unknown store backend [%s]", cfg.Store.Backend)
	}

	sealIndex, err := pebbledb.NewSealIndexStore(cfg.Server.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating seal index store")
	}
	defer sealIndex.Close()

	staticNames, err := names.NewStaticResolver(cfg.Identity.Static)
	if err != nil {
		return errors.Wrap(err, "parsing static identities")
	}
	resolvers := names.Chain{staticNames}
	if cfg.Identity.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Identity.RedisAddress})
		defer rdb.Close()
		resolvers = append(resolvers, names.NewRedisResolver(rdb, cfg.Identity.RedisKey))
	}
	resolver := names.NewCachedResolver(resolvers, cfg.Identity.CacheTTL)
	verifier := verify.NewVerifier(ethsig.NewRecoverer(), resolver)

	procMetrics := metrics.NewProcessingMetrics(cfg.Server.MetricsNamespace)

	proofCollector, err := collector.NewCollector(store, verifier, entities.Epoch{}, collector.Config{
		Namespace:     namespace,
		Grace:         cfg.Epoch.Grace,
		NumWorkers:    cfg.Epoch.NumWorkers,
		SeenCacheSize: cfg.Epoch.SeenCacheSize,
	}, procMetrics, sLogger)
	if err != nil {
		return errors.Wrap(err, "creating collector")
	}

	calculator, err := settlement.NewCalculator(cfg.Epoch.MinerShareBps, cfg.Epoch.OpsShareBps, cfg.Epoch.NumWorkers)
	if err != nil {
		return errors.Wrap(err, "creating settlement calculator")
	}

	sealPublisher := publisher.NewPublisher(store, signer, publisher.Config{
		Namespace:       namespace,
		InitialInterval: cfg.Publish.InitialInterval,
		MaxInterval:     cfg.Publish.MaxInterval,
		MaxElapsedTime:  cfg.Publish.MaxElapsedTime,
	}, sLogger)

	var sinks []epoch.SealSink
	var heartbeats epoch.HeartbeatSender
	if cfg.Broker.Enabled {
		m := kprom.NewMetrics(cfg.Server.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(m),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		announcer := kafka.NewClient(kcl, namespace)
		sinks = append(sinks, announcer)
		heartbeats = announcer
	}
	if cfg.Elastic.Enabled {
		indexer, err := elastic.NewClient(cfg.Elastic.Address, cfg.Elastic.Index, cfg.Elastic.Timeout)
		if err != nil {
			return errors.Wrap(err, "creating elastic client")
		}
		sinks = append(sinks, indexer)
	}

	clock := epoch.SystemClock{}
	machine := epoch.NewMachine(clock, proofCollector, calculator, sealPublisher, sealIndex, verifier, epoch.Config{
		Duration: cfg.Epoch.Duration,
		Grace:    cfg.Epoch.Grace,
		StartID:  cfg.Epoch.StartID,
	}, procMetrics, sLogger, sinks...)

	processor := epoch.NewProcessor(machine, proofCollector, heartbeats, clock, epoch.ProcessorConfig{
		Controller:          cfg.Sealer.Controller,
		PollInterval:        cfg.Epoch.PollInterval,
		BoundaryInterval:    cfg.Epoch.CheckInterval,
		HeartbeatInterval:   cfg.Broker.HeartbeatInterval,
		RecoveryMaxInterval: cfg.Epoch.RecoveryMaxDelay,
	}, sLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	procErr := make(chan error, 1)
	go func() {
		procErr <- processor.StartProcessing(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// status and metrics endpoint
	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		handler := api.NewHandler(machine, proofCollector, processor, sealIndex, sealPublisher, cfg.Server.StatusCacheTTL)
		handler.Register(mux)
		log.Printf("main: Starting server on port [%d].", cfg.Server.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.ServerPort), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-procErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("[ERROR] processing: %v", err)
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting server: %v", err)
		}
	}
}
