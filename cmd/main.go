package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/auth"
	"github.com/LuanEdCosta/dojot/pkg/config"
	"github.com/LuanEdCosta/dojot/pkg/docs"
	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/identity/acl"
	"github.com/LuanEdCosta/dojot/pkg/identity/cache"
	"github.com/LuanEdCosta/dojot/pkg/identity/mtls"
	incomingapi "github.com/LuanEdCosta/dojot/pkg/incoming/api"
	"github.com/LuanEdCosta/dojot/pkg/incoming/producer"
	"github.com/LuanEdCosta/dojot/pkg/pki"
	"github.com/LuanEdCosta/dojot/pkg/storage/postgres"
	trustedcaapi "github.com/LuanEdCosta/dojot/pkg/trustedca/api"
	cadb "github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca/store/db"
	certsdb "github.com/LuanEdCosta/dojot/pkg/trustedca/models/certs/store/db"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/notifier"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-redis/redis/v8"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"gopkg.in/yaml.v2"
)

func main() {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(os.Stdout)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = level.NewFilter(logger, level.AllowInfo())
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	cfg, err := config.NewConfig("gateway")
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not read environment configuration values")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Environment configuration values loaded")

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values fron environment")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Jaeger configuration values loaded")
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		os.Exit(1)
	}
	defer closer.Close()
	level.Info(logger).Log("msg", "Jaeger tracer started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := postgres.Open(cfg.PostgresConnString(), logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start connection with database. Will sleep for 5 seconds and exit the program")
		time.Sleep(5 * time.Second)
		os.Exit(1)
	}
	defer sqlDB.Close()
	level.Info(logger).Log("msg", "Connection established with database")

	caDb := cadb.NewDB(sqlDB, cfg.QueryMaxTime(), logger)
	if err := caDb.Migrate(ctx); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create trusted CA table")
		os.Exit(1)
	}
	certsDb := certsdb.NewDB(sqlDB, cfg.QueryMaxTime(), logger)

	var rootCA *x509.Certificate
	if cfg.RootCACertFile != "" {
		rootPem, err := os.ReadFile(cfg.RootCACertFile)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not read platform root CA certificate")
			os.Exit(1)
		}
		rootCA, err = pki.ParseCert(string(rootPem))
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not parse platform root CA certificate")
			os.Exit(1)
		}
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokers, "http-agent", logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not connect to Kafka")
		os.Exit(1)
	}
	defer kafkaProducer.Close()
	level.Info(logger).Log("msg", "Kafka producer started", "brokers", strings.Join(cfg.KafkaBrokers, ","))

	caNotifier := notifier.New(kafkaProducer, cfg.KafkaNotificationsTopicSuffix, cfg.NotifierQueueSize, cfg.NotifierMaxAttempts, log.With(logger, "component", "Notifier"))
	defer caNotifier.Close()

	fieldKeys := []string{"method", "error"}

	trustedCAFactory := trustedcaapi.NewServiceFactory(
		trustedcaapi.Options{
			CaStore:             caDb,
			CertStore:           certsDb,
			Notifier:            caNotifier,
			CaCertLimit:         cfg.CaCertLimit,
			MinimumValidityDays: cfg.ExternalCaCertMinimumValidityDays,
			RootCA:              rootCA,
		},
		logger,
		trustedcaapi.LoggingMiddleware(logger),
		trustedcaapi.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "trusted_ca_service",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "gateway",
				Subsystem: "trusted_ca_service",
				Name:      "request_latency_microseconds",
				Help:      "Total duration of requests in microseconds.",
			}, fieldKeys),
		),
	)

	var identityCache cache.Cache
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		identityCache = cache.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.CacheTTL(), logger)
	default:
		identityCache = cache.NewMemoryCache(cfg.CacheTTL())
	}
	if err := identityCache.Init(ctx); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not initialize identity cache")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Identity cache initialized", "backend", cfg.CacheBackend)

	aclClient, err := acl.NewClient(cfg.CertificateACLURL, cfg.CertificateACLTimeout(), tracer, logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create certificate-acl client")
		os.Exit(1)
	}
	resolver, err := identity.NewResolver(cfg.AuthorizationMode, identityCache, aclClient, logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create identity resolver")
		os.Exit(1)
	}
	authenticator := identity.NewAuthenticator(cfg.UnsecureMode, resolver)

	var clientCABundle []byte
	verifier := mtls.NewVerifier(nil)
	if cfg.MutualTLSClientCA != "" {
		bundle, pool, err := utils.CreateCAPool(cfg.MutualTLSClientCA)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not create mTls Cert Pool")
			os.Exit(1)
		}
		clientCABundle = bundle
		verifier.SetRoots(pool)
	}
	go verifier.RunRefresher(ctx, cfg.TrustBundleRefreshInterval, clientCABundle, trustedCAFactory(""), log.With(logger, "component", "TrustBundle"))

	var s incomingapi.Service
	{
		s = incomingapi.NewIncomingService(kafkaProducer, cfg.KafkaMessagesTopicSuffix, logger)
		s = incomingapi.LoggingMiddleware(logger)(s)
		s = incomingapi.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "incoming_service",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "gateway",
				Subsystem: "incoming_service",
				Name:      "request_latency_microseconds",
				Help:      "Total duration of requests in microseconds.",
			}, fieldKeys),
		)(s)
	}

	openapiSpec := docs.NewOpenAPI3(cfg)

	openapiSpecJsonData, _ := json.Marshal(&openapiSpec)
	openapiSpecYamlData, _ := yaml.Marshal(&openapiSpec)

	err = os.MkdirAll("docs", 0744)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 docs dir")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.json"), openapiSpecJsonData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 JSON spec file")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.yaml"), openapiSpecYamlData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 YAML spec file")
		os.Exit(1)
	}

	keycloak := auth.NewAuth(cfg.KeycloakHostname, cfg.KeycloakPort, cfg.KeycloakProtocol, cfg.KeycloakVerifyToken, &http.Client{Timeout: 10 * time.Second})

	adminMux := http.NewServeMux()
	adminMux.Handle("/", trustedcaapi.MakeHTTPHandler(trustedCAFactory, keycloak, log.With(logger, "component", "Admin"), tracer))
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.Handle("/docs/", http.StripPrefix("/docs", http.FileServer(http.Dir("./docs"))))
	adminMux.Handle("/v1/docs", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		BasePath: "/v1",
		SpecURL:  path.Join("/docs", "openapiv3.json"),
		Path:     "docs",
	}, adminMux))

	deviceHandler := incomingapi.MakeHTTPHandler(s, authenticator, verifier, incomingapi.HTTPOptions{
		Mount:        cfg.HTTPMount,
		UnsecureMode: cfg.UnsecureMode,
		TrustProxy:   cfg.TrustProxy,
		BodyLimit:    cfg.ParsingLimit,
	}, log.With(logger, "component", "Devices"), tracer)

	errs := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		level.Info(logger).Log("transport", "HTTP", "address", ":"+cfg.AdminPort, "msg", "listening")
		errs <- http.ListenAndServe(":"+cfg.AdminPort, accessControl(adminMux))
	}()

	go func() {
		switch strings.ToLower(cfg.Protocol) {
		case "https":
			// Chains are verified per request against the refreshed bundle,
			// so the handshake only asks for the client certificate.
			server := &http.Server{
				Addr:    ":" + cfg.Port,
				Handler: deviceHandler,
				TLSConfig: &tls.Config{
					ClientAuth: tls.RequestClientCert,
					MinVersion: tls.VersionTLS12,
				},
			}
			level.Info(logger).Log("transport", "Mutual TLS", "address", ":"+cfg.Port, "msg", "listening")
			errs <- server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		case "http":
			level.Info(logger).Log("transport", "HTTP", "address", ":"+cfg.Port, "msg", "listening")
			errs <- http.ListenAndServe(":"+cfg.Port, deviceHandler)
		default:
			level.Error(logger).Log("err", "Unknown protocol", "protocol", cfg.Protocol)
			os.Exit(1)
		}
	}()

	level.Info(logger).Log("exit", <-errs)
}

func accessControl(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
