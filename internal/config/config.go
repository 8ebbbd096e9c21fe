package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

type AuthConfig struct {
	AccessSecret string
}

type SettlementConfig struct {
	PlatformFeePercent  decimal.Decimal
	ClientFeePercent    decimal.Decimal
	AutoAcceptDays      int
	DisputeResponseDays int
	PendingTxTimeoutMin int
	InvoiceDueDays      int
	DefaultCurrency     string
}

type GatewayConfig struct {
	BaseURL   string
	APIKey    string
	TimeoutMS int
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Settlement  SettlementConfig
	Gateway     GatewayConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetString("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Settlement: SettlementConfig{
			PlatformFeePercent:  parsePercent(v.GetString("PLATFORM_FEE_PERCENT")),
			ClientFeePercent:    parsePercent(v.GetString("CLIENT_FEE_PERCENT")),
			AutoAcceptDays:      v.GetInt("AUTO_ACCEPT_DAYS"),
			DisputeResponseDays: v.GetInt("DISPUTE_RESPONSE_DAYS"),
			PendingTxTimeoutMin: v.GetInt("PENDING_TX_TIMEOUT_MIN"),
			InvoiceDueDays:      v.GetInt("INVOICE_DUE_DAYS"),
			DefaultCurrency:     v.GetString("DEFAULT_CURRENCY"),
		},
		Gateway: GatewayConfig{
			BaseURL:   v.GetString("GATEWAY_BASE_URL"),
			APIKey:    v.GetString("GATEWAY_API_KEY"),
			TimeoutMS: v.GetInt("GATEWAY_TIMEOUT_MS"),
		},
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 7093
	}
	if cfg.Settlement.PlatformFeePercent.IsZero() {
		cfg.Settlement.PlatformFeePercent = decimal.NewFromInt(10)
	}
	if cfg.Settlement.ClientFeePercent.IsZero() {
		cfg.Settlement.ClientFeePercent = decimal.NewFromInt(3)
	}
	if cfg.Settlement.AutoAcceptDays == 0 {
		cfg.Settlement.AutoAcceptDays = 14
	}
	if cfg.Settlement.DisputeResponseDays == 0 {
		cfg.Settlement.DisputeResponseDays = 3
	}
	if cfg.Settlement.PendingTxTimeoutMin == 0 {
		cfg.Settlement.PendingTxTimeoutMin = 30
	}
	if cfg.Settlement.InvoiceDueDays == 0 {
		cfg.Settlement.InvoiceDueDays = 14
	}
	if cfg.Settlement.DefaultCurrency == "" {
		cfg.Settlement.DefaultCurrency = "USD"
	}
	if cfg.Gateway.TimeoutMS == 0 {
		cfg.Gateway.TimeoutMS = 10000
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	hundred := decimal.NewFromInt(100)
	if cfg.Settlement.PlatformFeePercent.IsNegative() || cfg.Settlement.PlatformFeePercent.GreaterThan(hundred) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}
	if cfg.Settlement.ClientFeePercent.IsNegative() || cfg.Settlement.ClientFeePercent.GreaterThan(hundred) {
		return fmt.Errorf("CLIENT_FEE_PERCENT must be between 0 and 100")
	}
	return nil
}

func parsePercent(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
