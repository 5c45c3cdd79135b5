package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfigurationError 表示配置不可用，必须在任何评估开始前返回给调用方。
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate 对外暴露的校验入口，Default() 构造的配置也可以复用。
func Validate(c *Config) error {
	return validate(c)
}

// validate 先做 struct tag 校验，再做跨字段校验。
func validate(c *Config) error {
	if c == nil {
		return configErr("", "config is nil")
	}
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{
				Field:  fieldPath(fe.Namespace()),
				Reason: describeTag(fe),
				Err:    err,
			}
		}
		return &ConfigurationError{Reason: "invalid config", Err: err}
	}
	if err := c.Scoring.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Ensemble.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (s *ScoringConfig) validate() error {
	for name, w := range s.Weights {
		if w < 0 {
			return configErr("scoring.weights."+name, "must be >= 0")
		}
	}
	for name, w := range s.AuxiliaryWeights {
		if w < 0 {
			return configErr("scoring.auxiliary_weights."+name, "must be >= 0")
		}
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return &ConfigurationError{Field: "regime.timezone", Reason: fmt.Sprintf("unknown timezone %q", r.Timezone), Err: err}
	}
	return nil
}

func (e *EnsembleConfig) validate() error {
	if !e.Enabled {
		return nil
	}
	if e.CacheBackend == "redis" && strings.TrimSpace(e.Redis.Addr) == "" {
		return configErr("ensemble.redis.addr", "required when cache_backend=redis")
	}
	seen := make(map[string]bool, len(e.Remote))
	for _, m := range e.Remote {
		key := strings.ToLower(strings.TrimSpace(m.Name))
		if seen[key] {
			return configErr("ensemble.remote", "duplicate model name %s", m.Name)
		}
		seen[key] = true
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return configErr("notify.telegram", "requires bot_token and chat_id when enabled")
	}
	return nil
}

// fieldPath 把 "Config.risk.daily_loss_limit" 转成 "risk.daily_loss_limit"。
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be > %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid url"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
