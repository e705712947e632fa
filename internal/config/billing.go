package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingSchedule configures the recurring billing jobs.
type BillingSchedule struct {
	DailyCharge DailyChargeSchedule `mapstructure:"dailyCharge"`
}

// DailyChargeSchedule configures the per-store daily credit deduction.
type DailyChargeSchedule struct {
	RunAt       string `mapstructure:"runAt"`
	Timezone    string `mapstructure:"timezone"`
	Amount      int64  `mapstructure:"amount"`
	Description string `mapstructure:"description"`
	Concurrency int    `mapstructure:"concurrency"`
}

func DefaultBillingSchedule() BillingSchedule {
	return BillingSchedule{
		DailyCharge: DailyChargeSchedule{
			RunAt:       "00:05",
			Timezone:    "UTC",
			Amount:      1,
			Description: "daily charge",
			Concurrency: 8,
		},
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (s DailyChargeSchedule) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil || strings.TrimSpace(s.Timezone) == "" {
		return time.UTC
	}
	return loc
}

// Clock returns the configured hour and minute of the daily run.
func (s DailyChargeSchedule) Clock() (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s.RunAt))
	if err != nil {
		return 0, 0, fmt.Errorf("billing.dailyCharge.runAt %q: %w", s.RunAt, err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

type BillingScheduleHolder struct {
	current atomic.Value // holds BillingSchedule
}

// NewStaticBillingScheduleHolder returns a holder that never reloads.
func NewStaticBillingScheduleHolder(schedule BillingSchedule) *BillingScheduleHolder {
	holder := &BillingScheduleHolder{}
	holder.current.Store(schedule)
	return holder
}

func NewBillingScheduleHolder() (*BillingScheduleHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/storefront")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingSchedule()
	v.SetDefault("billing.dailyCharge.runAt", defaults.DailyCharge.RunAt)
	v.SetDefault("billing.dailyCharge.timezone", defaults.DailyCharge.Timezone)
	v.SetDefault("billing.dailyCharge.amount", defaults.DailyCharge.Amount)
	v.SetDefault("billing.dailyCharge.description", defaults.DailyCharge.Description)
	v.SetDefault("billing.dailyCharge.concurrency", defaults.DailyCharge.Concurrency)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg BillingSchedule
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingSchedule(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingScheduleHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingSchedule
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-schedule] reload failed: %v", err)
			return
		}
		if err := validateBillingSchedule(updated); err != nil {
			log.Printf("[billing-schedule] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-schedule] reloaded from %s", e.Name)
	})
	v.WatchConfig()

	return holder, nil
}

func (h *BillingScheduleHolder) Get() BillingSchedule {
	if h == nil {
		return DefaultBillingSchedule()
	}
	return h.current.Load().(BillingSchedule)
}

func validateBillingSchedule(cfg BillingSchedule) error {
	daily := cfg.DailyCharge
	if _, _, err := daily.Clock(); err != nil {
		return err
	}
	if strings.TrimSpace(daily.Timezone) != "" {
		if _, err := time.LoadLocation(daily.Timezone); err != nil {
			return fmt.Errorf("billing.dailyCharge.timezone %q: %w", daily.Timezone, err)
		}
	}
	if daily.Amount <= 0 {
		return errors.New("billing.dailyCharge.amount must be positive")
	}
	if strings.TrimSpace(daily.Description) == "" {
		return errors.New("billing.dailyCharge.description cannot be empty")
	}
	if daily.Concurrency <= 0 {
		return errors.New("billing.dailyCharge.concurrency must be positive")
	}
	return nil
}
