package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

type Config struct {
	Heart      Heart
	API        API
	DeadLetter DeadLetter
}

// Heart holds the scheduler tuning knobs. The boost and backlog constants
// are workload-dependent, so every one of them is overridable from the
// environment rather than fixed in the controller.
type Heart struct {
	Period            time.Duration `env:"Heart_Period" envDefault:"1s"`
	Stages            []string      `env:"Heart_Stages" envDefault:"input,processing,output,memory,system"`
	AutoCreateStages  bool          `env:"Heart_AutoCreateStages" envDefault:"false"`
	MaxStageDepth     int           `env:"Heart_MaxStageDepth" envDefault:"0"`
	BaseCapacity      int           `env:"Heart_BaseCapacity" envDefault:"10"`
	CriticalBoost     float64       `env:"Heart_CriticalBoost" envDefault:"2.0"`
	BoostCeiling      int           `env:"Heart_BoostCeiling" envDefault:"50"`
	BacklogMultiplier float64       `env:"Heart_BacklogMultiplier" envDefault:"3.0"`
	BacklogBoost      float64       `env:"Heart_BacklogBoost" envDefault:"1.5"`
	NearIdleDepth     int           `env:"Heart_NearIdleDepth" envDefault:"1"`
	IdleShrinkAfter   int           `env:"Heart_IdleShrinkAfter" envDefault:"5"`
	CapacityFloor     int           `env:"Heart_CapacityFloor" envDefault:"1"`
	StarvationBeats   int           `env:"Heart_StarvationBeats" envDefault:"20"`
	MetricsWindow     int           `env:"Heart_MetricsWindow" envDefault:"100"`
	InFlightWarnAfter time.Duration `env:"Heart_InFlightWarnAfter" envDefault:"30s"`
}

type API struct {
	Port int `env:"API_Port" envDefault:"8080"`
}

// DeadLetter configures the optional Redis sink for terminally failed
// items. An empty Addr disables it.
type DeadLetter struct {
	Addr        string        `env:"DeadLetter_Redis_Address"`
	Password    string        `env:"DeadLetter_Redis_Password"`
	DB          int           `env:"DeadLetter_Redis_DB"`
	StreamKey   string        `env:"DeadLetter_Redis_StreamKey" envDefault:"pulseq:dead"`
	MaxAttempts int           `env:"DeadLetter_MaxAttempts" envDefault:"3"`
	BaseBackoff time.Duration `env:"DeadLetter_BaseBackoff" envDefault:"100ms"`
	MaxBackoff  time.Duration `env:"DeadLetter_MaxBackoff" envDefault:"2s"`
}

func Load() *Config {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}

	return &c
}
