package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tree-radius/internal/config"
	"github.com/sells-group/tree-radius/internal/trees"
	"github.com/sells-group/tree-radius/pkg/datasette"
	"github.com/sells-group/tree-radius/pkg/geocode"
)

var (
	searchAddress     string
	searchBlocks      int
	searchBlockLength float64
	searchPageSize    int
	searchConsumers   int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for trees within a block radius of an address",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := searchParams{
			Address:     searchAddress,
			Blocks:      searchBlocks,
			BlockLength: searchBlockLength,
			PageSize:    searchPageSize,
			Consumers:   searchConsumers,
		}
		params.applyDefaults(cfg)

		result, err := runSearch(cmd.Context(), cfg, params)
		if err != nil {
			return err
		}

		printSummary(cmd.OutOrStdout(), params, result)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchAddress, "address", "", "address to center the search around (required)")
	searchCmd.Flags().IntVar(&searchBlocks, "blocks", 0, "number of blocks to extend the search radius (required)")
	searchCmd.Flags().Float64Var(&searchBlockLength, "block-length", 0, "block length in meters (default from config, US average 182.88)")
	searchCmd.Flags().IntVar(&searchPageSize, "page-size", 0, "rows per page request (clamped to 100-10000)")
	searchCmd.Flags().IntVar(&searchConsumers, "consumers", 0, "number of concurrent page consumers")
	_ = searchCmd.MarkFlagRequired("address")
	_ = searchCmd.MarkFlagRequired("blocks")
	rootCmd.AddCommand(searchCmd)
}

// searchParams are the per-run search inputs after defaulting.
type searchParams struct {
	Address     string
	Blocks      int
	BlockLength float64
	PageSize    int
	Consumers   int
}

func (p *searchParams) applyDefaults(cfg *config.Config) {
	if p.BlockLength <= 0 {
		p.BlockLength = cfg.Search.BlockLengthM
	}
	if p.PageSize <= 0 {
		p.PageSize = cfg.Search.PageSize
	}
	p.PageSize = config.ClampPageSize(p.PageSize)
	if p.Consumers <= 0 {
		p.Consumers = cfg.Search.Consumers
	}
}

// RadiusMeters is the effective search radius.
func (p searchParams) RadiusMeters() float64 {
	return float64(p.Blocks) * p.BlockLength
}

// searchResult is one completed search.
type searchResult struct {
	Matches []trees.Match
	Elapsed time.Duration
}

// runSearch geocodes the address and runs the pagination pipeline.
// Matches come back sorted by distance.
func runSearch(ctx context.Context, cfg *config.Config, params searchParams) (*searchResult, error) {
	if params.Address == "" {
		return nil, eris.New("search: address is required")
	}
	if params.Blocks <= 0 {
		return nil, eris.Errorf("search: blocks must be positive, got %d", params.Blocks)
	}

	start := time.Now()

	resolver := geocode.NewClient(
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
		geocode.WithTimeout(time.Duration(cfg.Geocode.TimeoutSecs)*time.Second),
		geocode.WithMaxAttempts(cfg.Geocode.MaxAttempts),
		geocode.WithRateLimit(cfg.Geocode.RateRPS),
	)

	center, err := resolver.Resolve(ctx, params.Address)
	if err != nil {
		return nil, eris.Wrap(err, "search: resolve address")
	}
	zap.L().Info("resolved search center",
		zap.String("address", params.Address),
		zap.Float64("lat", center.Y()),
		zap.Float64("lon", center.X()),
	)

	fetcher := datasette.NewClient(
		datasette.WithBaseURL(cfg.Trees.BaseURL),
		datasette.WithTimeout(time.Duration(cfg.Trees.TimeoutSecs)*time.Second),
		datasette.WithMaxAttempts(cfg.Trees.MaxAttempts),
		datasette.WithRateLimit(cfg.Trees.RateRPS),
	)

	pipeline := trees.NewPipeline(fetcher, params.PageSize, params.Consumers)
	matches, err := pipeline.Run(ctx, center, params.RadiusMeters())
	if err != nil {
		return nil, eris.Wrap(err, "search: run pipeline")
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceMeters != matches[j].DistanceMeters {
			return matches[i].DistanceMeters < matches[j].DistanceMeters
		}
		return matches[i].Record.RowID < matches[j].Record.RowID
	})

	return &searchResult{Matches: matches, Elapsed: time.Since(start)}, nil
}

// printSummary writes the result summary and, when there are matches,
// a table of every tree found.
func printSummary(out io.Writer, params searchParams, result *searchResult) {
	fmt.Fprintf(out, "There are %d trees within a %.1fm radius.\n", len(result.Matches), params.RadiusMeters())
	fmt.Fprintf(out, "Where the radius consists of %d blocks of length %.2fm.\n", params.Blocks, params.BlockLength)
	fmt.Fprintf(out, "Centered around address: %s\n", params.Address)

	if len(result.Matches) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROWID\tTREE ID\tSPECIES\tADDRESS\tPLANTED\tDISTANCE (M)")
	for _, m := range result.Matches {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%.1f\n",
			m.Record.RowID,
			m.Record.TreeID,
			m.Record.Species,
			m.Record.Address,
			m.Record.PlantDate,
			m.DistanceMeters,
		)
	}
	_ = w.Flush()
}
