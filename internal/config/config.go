package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		GRPCAddr string
		LogLevel string
		LogFile  string
		Env      string
	}
	Corpus struct {
		Path          string
		HeadingMarker string
	}
	Tutor struct {
		MilestoneStep         int
		Landmarks             []int
		GateFirstSection      bool
		CompletionCode        string
		SessionIdleTTL        time.Duration
		Comprehension         string
		ComprehensionMinWords int
		AutoContinueDelay     time.Duration
	}
	Worker struct {
		TokenSecret   string
		TokenSkewSecs int
		TokenTTLMin   int
		SignalRate    int
	}
	Redis struct {
		Addr    string
		Channel string
	}
}

func (c Config) IsProd() bool { return c.Server.Env == "production" }

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.env", "development")

	v.SetDefault("corpus.path", "corpus.json")
	v.SetDefault("corpus.heading_marker", "##")

	v.SetDefault("tutor.milestone_step", 10)
	v.SetDefault("tutor.landmarks", "50,80")
	v.SetDefault("tutor.gate_first_section", false)
	v.SetDefault("tutor.session_idle_ttl", "2h")
	v.SetDefault("tutor.comprehension", "always")
	v.SetDefault("tutor.comprehension_min_words", 5)
	v.SetDefault("tutor.auto_continue_delay", "1s")

	v.SetDefault("worker.token_skew_secs", 60)
	v.SetDefault("worker.token_ttl_min", 60)
	v.SetDefault("worker.signal_rate", 20)

	v.SetDefault("redis.channel", "tutor:events")

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_addr", "GRPC_ADDR")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_file", "LOG_FILE")
	v.BindEnv("server.env", "APP_ENV")

	v.BindEnv("corpus.path", "CORPUS_PATH")
	v.BindEnv("corpus.heading_marker", "CORPUS_HEADING_MARKER")

	v.BindEnv("tutor.milestone_step", "TUTOR_MILESTONE_STEP")
	v.BindEnv("tutor.landmarks", "TUTOR_LANDMARKS")
	v.BindEnv("tutor.gate_first_section", "TUTOR_GATE_FIRST_SECTION")
	v.BindEnv("tutor.completion_code", "TUTOR_COMPLETION_CODE")
	v.BindEnv("tutor.session_idle_ttl", "TUTOR_SESSION_IDLE_TTL")
	v.BindEnv("tutor.comprehension", "TUTOR_COMPREHENSION")
	v.BindEnv("tutor.comprehension_min_words", "TUTOR_COMPREHENSION_MIN_WORDS")
	v.BindEnv("tutor.auto_continue_delay", "TUTOR_AUTO_CONTINUE_DELAY")

	v.BindEnv("worker.token_secret", "WORKER_TOKEN_SECRET")
	v.BindEnv("worker.token_skew_secs", "WORKER_TOKEN_SKEW_SECS")
	v.BindEnv("worker.token_ttl_min", "WORKER_TOKEN_TTL_MIN")
	v.BindEnv("worker.signal_rate", "WORKER_SIGNAL_RATE")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.channel", "REDIS_CHANNEL")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCAddr = v.GetString("server.grpc_addr")
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFile = v.GetString("server.log_file")
	c.Server.Env = v.GetString("server.env")

	c.Corpus.Path = v.GetString("corpus.path")
	c.Corpus.HeadingMarker = v.GetString("corpus.heading_marker")

	c.Tutor.MilestoneStep = v.GetInt("tutor.milestone_step")
	c.Tutor.Landmarks = parseInts(v.GetString("tutor.landmarks"))
	c.Tutor.GateFirstSection = v.GetBool("tutor.gate_first_section")
	c.Tutor.CompletionCode = v.GetString("tutor.completion_code")
	c.Tutor.SessionIdleTTL = v.GetDuration("tutor.session_idle_ttl")
	c.Tutor.Comprehension = v.GetString("tutor.comprehension")
	c.Tutor.ComprehensionMinWords = v.GetInt("tutor.comprehension_min_words")
	c.Tutor.AutoContinueDelay = v.GetDuration("tutor.auto_continue_delay")

	c.Worker.TokenSecret = v.GetString("worker.token_secret")
	c.Worker.TokenSkewSecs = v.GetInt("worker.token_skew_secs")
	c.Worker.TokenTTLMin = v.GetInt("worker.token_ttl_min")
	c.Worker.SignalRate = v.GetInt("worker.signal_rate")

	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Channel = v.GetString("redis.channel")
	return c
}

// Validate catches settings that would only fail later, per session.
func (c Config) Validate() error {
	if c.Tutor.MilestoneStep <= 0 || c.Tutor.MilestoneStep > 100 {
		return fmt.Errorf("tutor.milestone_step must be in (0,100], got %d", c.Tutor.MilestoneStep)
	}
	for _, l := range c.Tutor.Landmarks {
		if l <= 0 || l >= 100 {
			return fmt.Errorf("tutor.landmarks: %d out of range", l)
		}
	}
	if c.Tutor.SessionIdleTTL <= 0 {
		return fmt.Errorf("tutor.session_idle_ttl must be positive")
	}
	if c.Worker.SignalRate <= 0 {
		return fmt.Errorf("worker.signal_rate must be positive")
	}
	return nil
}

func toString(v any) string { return fmt.Sprint(v) }

// parseInts reads "50, 80" style lists, skipping blanks. Unparseable entries
// become -1 so Validate reports them.
func parseInts(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			n = -1
		}
		out = append(out, n)
	}
	return out
}
