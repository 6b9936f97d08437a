package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/stoik/config"
	"github.com/vadiminshakov/stoik/internal/exchange/kraken"
	"github.com/vadiminshakov/stoik/internal/portfolio"
	"github.com/vadiminshakov/stoik/internal/services/quoter"
	"github.com/vadiminshakov/stoik/internal/storage/fills"
	"github.com/vadiminshakov/stoik/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const restartWait = 30 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configs, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	apiKey := os.Getenv("KRAKEN_API_KEY")
	if apiKey == "" {
		logger.Fatal("KRAKEN_API_KEY env is not set")
	}
	apiSecret := os.Getenv("KRAKEN_API_SECRET")
	if apiSecret == "" {
		logger.Fatal("KRAKEN_API_SECRET env is not set")
	}

	signer, err := kraken.NewSigner(apiKey, apiSecret)
	if err != nil {
		logger.Fatal("failed to create signer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pf := portfolio.New()
	if err := seedPortfolio(ctx, signer, pf, configs); err != nil {
		logger.Fatal("failed to seed portfolio from balances", zap.Error(err))
	}
	for asset, pos := range pf.Snapshot() {
		logger.Info("found position",
			zap.String("asset", asset),
			zap.Float64("amount", pos[0]),
			zap.Float64("price", pos[1]))
	}

	g := new(errgroup.Group)
	for _, c := range configs {
		conf := c
		g.Go(func() error {
			return runPair(ctx, conf, signer, pf, logger)
		})
		logger.Info("started", zap.String("pair", conf.Pair.String()))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err.Error())
	}
}

// seedPortfolio creates the initial balance snapshot. Quote currencies
// are priced at 1.0; everything else starts at 0 and picks up a
// reference price from the first market-data frames.
func seedPortfolio(ctx context.Context, signer *kraken.Signer, pf *portfolio.Portfolio, configs []config.Config) error {
	balances, err := signer.Balance(ctx)
	if err != nil {
		return err
	}

	quotes := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		quotes[c.Pair.Quote] = struct{}{}
	}

	for asset, amount := range balances {
		price := 0.0
		if _, ok := quotes[asset]; ok {
			price = 1.0
		}
		pf.SetPosition(asset, amount, price)
	}

	return nil
}

// runPair owns one pair for the life of the process: connect with
// backoff, run the quoting loop, recreate the instance on stream failure.
func runPair(ctx context.Context, conf config.Config, signer *kraken.Signer, pf *portfolio.Portfolio, logger *zap.Logger) error {
	logger = logger.With(zap.String("pair", conf.Pair.String()))

	var journal quoter.FillJournal
	store, err := fills.NewWALStore(journalDir(conf))
	if err != nil {
		logger.Warn("fill journal unavailable, fills will not be persisted", zap.Error(err))
	} else {
		journal = store
		defer store.Close()
	}

	r := retrier.New(retrier.WithMaxRetries(5))
	for {
		stream, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (*kraken.Stream, error) {
			// Fresh stream per attempt: the private-channel token is
			// short-lived and must be re-minted on every connect.
			s := kraken.NewStream(conf.Pair, signer, logger)
			if err := s.Connect(ctx); err != nil {
				return nil, err
			}
			return s, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to connect, will retry", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(restartWait):
			}
			continue
		}

		q := quoter.New(conf.Pair, quoterConfig(conf), stream, pf, journal, logger)
		err = q.Run(ctx)
		stream.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Error("quoting loop terminated, recreating instance", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartWait):
		}
	}
}

func quoterConfig(conf config.Config) quoter.Config {
	return quoter.Config{
		OrderNotional:       conf.OrderNotional,
		RiskAversion:        conf.RiskAversion,
		SpreadFloor:         conf.SpreadFloor,
		BaseVolatility:      conf.BaseVolatility,
		SpreadScale:         conf.SpreadScale,
		SimilarityThreshold: conf.SimilarityThreshold,
		Cooldown:            conf.Cooldown,
		SampleInterval:      conf.SampleInterval,
		BufferSize:          conf.BufferSize,
	}
}

func journalDir(conf config.Config) string {
	if conf.FillJournalDir != "" {
		return conf.FillJournalDir
	}
	pairDir := strings.ReplaceAll(conf.Pair.String(), "/", "_")
	return filepath.Join("wal", "fills", pairDir)
}
