package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig carries the tunable billing policy: commission split,
// minimum charge, billing tick period, reservation estimate and the
// per-state expiry windows.
type BillingConfig struct {
	// CommissionPercent is the platform share of the total session cost.
	CommissionPercent float64 `mapstructure:"commissionPercent"`
	// TaxPercent is withheld from the commission share, not from the total.
	TaxPercent float64 `mapstructure:"taxPercent"`
	// MinimumCharge is in minor currency units.
	MinimumCharge int64 `mapstructure:"minimumCharge"`
	// TickSeconds is the billing tick period.
	TickSeconds int `mapstructure:"tickSeconds"`
	// EstimateMinutes is the up-front reservation window at session start.
	EstimateMinutes int `mapstructure:"estimateMinutes"`

	CallAcceptSeconds int `mapstructure:"callAcceptSeconds"`
	ChatAcceptSeconds int `mapstructure:"chatAcceptSeconds"`
	RingSeconds       int `mapstructure:"ringSeconds"`

	SettlementRetrySeconds  int `mapstructure:"settlementRetrySeconds"`
	SettlementRetryAttempts int `mapstructure:"settlementRetryAttempts"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CommissionPercent:       20,
		TaxPercent:              18,
		MinimumCharge:           0,
		TickSeconds:             60,
		EstimateMinutes:         10,
		CallAcceptSeconds:       180,
		ChatAcceptSeconds:       300,
		RingSeconds:             45,
		SettlementRetrySeconds:  300,
		SettlementRetryAttempts: 5,
	}
}

func (c BillingConfig) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

func (c BillingConfig) AcceptWindow(chat bool) time.Duration {
	if chat {
		return time.Duration(c.ChatAcceptSeconds) * time.Second
	}
	return time.Duration(c.CallAcceptSeconds) * time.Second
}

func (c BillingConfig) RingWindow() time.Duration {
	return time.Duration(c.RingSeconds) * time.Second
}

func (c BillingConfig) SettlementRetryInterval() time.Duration {
	return time.Duration(c.SettlementRetrySeconds) * time.Second
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolderFrom wraps a fixed config, mainly for tests.
func NewBillingConfigHolderFrom(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/consultd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONSULTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.commissionPercent", defaults.CommissionPercent)
	v.SetDefault("billing.taxPercent", defaults.TaxPercent)
	v.SetDefault("billing.minimumCharge", defaults.MinimumCharge)
	v.SetDefault("billing.tickSeconds", defaults.TickSeconds)
	v.SetDefault("billing.estimateMinutes", defaults.EstimateMinutes)
	v.SetDefault("billing.callAcceptSeconds", defaults.CallAcceptSeconds)
	v.SetDefault("billing.chatAcceptSeconds", defaults.ChatAcceptSeconds)
	v.SetDefault("billing.ringSeconds", defaults.RingSeconds)
	v.SetDefault("billing.settlementRetrySeconds", defaults.SettlementRetrySeconds)
	v.SetDefault("billing.settlementRetryAttempts", defaults.SettlementRetryAttempts)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Error("reload failed", zap.Error(err))
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CommissionPercent < 0 || cfg.CommissionPercent > 100 {
		return errors.New("billing.commissionPercent must be between 0 and 100")
	}
	if cfg.TaxPercent < 0 || cfg.TaxPercent > 100 {
		return errors.New("billing.taxPercent must be between 0 and 100")
	}
	if cfg.MinimumCharge < 0 {
		return errors.New("billing.minimumCharge cannot be negative")
	}
	if cfg.TickSeconds <= 0 {
		return errors.New("billing.tickSeconds must be positive")
	}
	if cfg.EstimateMinutes <= 0 {
		return errors.New("billing.estimateMinutes must be positive")
	}
	if cfg.CallAcceptSeconds <= 0 || cfg.ChatAcceptSeconds <= 0 || cfg.RingSeconds <= 0 {
		return errors.New("billing expiry windows must be positive")
	}
	return nil
}
