// Package config loads per-pair quoting configuration from a yaml file
// or, for a single pair, from CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vadiminshakov/stoik/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the quoting policy for one pair. The numeric fields are
// model parameters, not correctness constraints; zero values fall back
// to quoter defaults.
type Config struct {
	Pair                domain.Pair
	OrderNotional       float64
	RiskAversion        float64
	SpreadFloor         float64
	BaseVolatility      float64
	SpreadScale         float64
	SimilarityThreshold float64
	Cooldown            time.Duration
	SampleInterval      time.Duration
	BufferSize          int
	FillJournalDir      string
}

type configTmp struct {
	Pair                string        `yaml:"pair"`
	OrderNotional       float64       `yaml:"order_notional,omitempty"`
	RiskAversion        float64       `yaml:"risk_aversion,omitempty"`
	SpreadFloor         float64       `yaml:"spread_floor,omitempty"`
	BaseVolatility      float64       `yaml:"base_volatility,omitempty"`
	SpreadScale         float64       `yaml:"spread_scale,omitempty"`
	SimilarityThreshold float64       `yaml:"similarity_threshold,omitempty"`
	Cooldown            time.Duration `yaml:"cooldown,omitempty"`
	SampleInterval      time.Duration `yaml:"sample_interval,omitempty"`
	BufferSize          int           `yaml:"buffer_size,omitempty"`
	FillJournalDir      string        `yaml:"fill_journal_dir,omitempty"`
}

// Get parses configuration. With -config it reads a yaml list of pair
// configs; otherwise CLI flags describe a single pair.
func Get() ([]Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	pairFlag := flag.String("pair", "XBT_USD", "trade pair, example: XBT_USD")
	notional := flag.Float64("notional", 20, "quote-currency value of each resting order")
	cooldown := flag.Duration("cooldown", 30*time.Second, "minimum interval between order batches")

	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	pair, err := domain.PairFromString(*pairFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid --pair provided, --pair=%s", *pairFlag)
	}

	return []Config{
		{
			Pair:          pair,
			OrderNotional: *notional,
			Cooldown:      *cooldown,
		},
	}, nil
}

func getYaml(path string) ([]Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tmp []configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return nil, err
	}
	if len(tmp) == 0 {
		return nil, fmt.Errorf("config %s describes no pairs", path)
	}

	configs := make([]Config, 0, len(tmp))
	for _, c := range tmp {
		pair, err := domain.PairFromString(c.Pair)
		if err != nil {
			return nil, fmt.Errorf("invalid pair %q in %s", c.Pair, path)
		}

		configs = append(configs, Config{
			Pair:                pair,
			OrderNotional:       c.OrderNotional,
			RiskAversion:        c.RiskAversion,
			SpreadFloor:         c.SpreadFloor,
			BaseVolatility:      c.BaseVolatility,
			SpreadScale:         c.SpreadScale,
			SimilarityThreshold: c.SimilarityThreshold,
			Cooldown:            c.Cooldown,
			SampleInterval:      c.SampleInterval,
			BufferSize:          c.BufferSize,
			FillJournalDir:      c.FillJournalDir,
		})
	}

	return configs, nil
}
