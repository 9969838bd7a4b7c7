package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	AuthorizationModeFingerprint = "fingerprint"
	AuthorizationModeCN          = "cn"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

var (
	ErrUnknownAuthorizationMode = errors.New("unknown authorization mode, expected fingerprint or cn")
	ErrUnknownCacheBackend      = errors.New("unknown cache backend, expected memory or redis")
)

type Config struct {
	Port      string `default:"3000"`
	AdminPort string `split_words:"true" default:"3001"`

	Protocol          string `default:"https"`
	CertFile          string `split_words:"true"`
	KeyFile           string `split_words:"true"`
	MutualTLSClientCA string `envconfig:"MUTUAL_TLS_CLIENT_CA"`

	HTTPMount    string `envconfig:"HTTP_MOUNT" default:"/http-agent/v1"`
	TrustProxy   bool   `split_words:"true" default:"true"`
	ParsingLimit int64  `split_words:"true" default:"256000"`

	UnsecureMode      bool   `envconfig:"SECURITY_UNSECURE_MODE" default:"false"`
	AuthorizationMode string `envconfig:"SECURITY_AUTHORIZATION_MODE" default:"fingerprint"`

	CacheSetTll   int    `envconfig:"CACHE_SET_TLL" default:"30000"`
	CacheBackend  string `split_words:"true" default:"memory"`
	RedisAddress  string `split_words:"true" default:"localhost:6379"`
	RedisPassword string `split_words:"true"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	CertificateACLURL       string `envconfig:"CERTIFICATE_ACL_URL" default:"http://certificate-acl:3000"`
	CertificateACLTimeoutMS int    `envconfig:"CERTIFICATE_ACL_TIMEOUT_MS" default:"10000"`

	CaCertLimit                       int    `split_words:"true" default:"-1"`
	ExternalCaCertMinimumValidityDays int    `split_words:"true" default:"1"`
	QueryMaxTimeMS                    int    `envconfig:"QUERY_MAX_TIME_MS" default:"30000"`
	RootCACertFile                    string `envconfig:"ROOT_CA_CERT_FILE"`

	TrustBundleRefreshInterval time.Duration `split_words:"true" default:"1m"`

	PostgresUser     string `split_words:"true"`
	PostgresDB       string `envconfig:"POSTGRES_DB"`
	PostgresPassword string `split_words:"true"`
	PostgresHostname string `split_words:"true" default:"localhost"`
	PostgresPort     string `split_words:"true" default:"5432"`

	KafkaBrokers                  []string `split_words:"true" default:"kafka:9092"`
	KafkaMessagesTopicSuffix      string   `split_words:"true" default:"device-data"`
	KafkaNotificationsTopicSuffix string   `split_words:"true" default:"dojot.x509-identity-mgmt.trusted-cas"`
	NotifierQueueSize             int      `split_words:"true" default:"1024"`
	NotifierMaxAttempts           int      `split_words:"true" default:"5"`

	KeycloakHostname    string `split_words:"true" default:"keycloak"`
	KeycloakPort        string `split_words:"true" default:"8080"`
	KeycloakProtocol    string `split_words:"true" default:"http"`
	KeycloakVerifyToken bool   `split_words:"true" default:"true"`
}

func NewConfig(prefix string) (Config, error) {
	var cfg Config
	err := envconfig.Process(prefix, &cfg)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.AuthorizationMode {
	case AuthorizationModeFingerprint, AuthorizationModeCN:
	default:
		return ErrUnknownAuthorizationMode
	}
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return ErrUnknownCacheBackend
	}
	return nil
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheSetTll) * time.Millisecond
}

func (c Config) QueryMaxTime() time.Duration {
	return time.Duration(c.QueryMaxTimeMS) * time.Millisecond
}

func (c Config) CertificateACLTimeout() time.Duration {
	return time.Duration(c.CertificateACLTimeoutMS) * time.Millisecond
}

func (c Config) PostgresConnString() string {
	return "dbname=" + c.PostgresDB + " user=" + c.PostgresUser + " password=" + c.PostgresPassword + " host=" + c.PostgresHostname + " port=" + c.PostgresPort + " sslmode=disable"
}
