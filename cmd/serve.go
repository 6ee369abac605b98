package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tree-radius/pkg/geocode"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an HTTP server exposing the tree search",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("GET /search", handleSearch)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("search server listening", zap.Int("port", port))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			zap.L().Info("shutting down search server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// searchResponse is the JSON payload for a completed search.
type searchResponse struct {
	Count        int             `json:"count"`
	RadiusM      float64         `json:"radius_m"`
	Blocks       int             `json:"blocks"`
	BlockLengthM float64         `json:"block_length_m"`
	Address      string          `json:"address"`
	Matches      []matchResponse `json:"matches"`
}

type matchResponse struct {
	RowID     int64   `json:"rowid"`
	TreeID    int64   `json:"tree_id"`
	Species   string  `json:"species"`
	Address   string  `json:"address"`
	PlantDate string  `json:"plant_date,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	DistanceM float64 `json:"distance_m"`
}

func handleSearch(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	logger := zap.L().With(zap.String("request_id", reqID))

	params := searchParams{Address: r.URL.Query().Get("address")}
	var err error
	if params.Blocks, err = queryInt(r, "blocks"); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("block_length"); v != "" {
		if params.BlockLength, err = strconv.ParseFloat(v, 64); err != nil {
			httpError(w, http.StatusBadRequest, "invalid block_length")
			return
		}
	}
	if params.PageSize, err = queryInt(r, "page_size"); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Consumers, err = queryInt(r, "consumers"); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.applyDefaults(cfg)

	if params.Address == "" {
		httpError(w, http.StatusBadRequest, "address is required")
		return
	}
	if params.Blocks <= 0 {
		httpError(w, http.StatusBadRequest, "blocks must be a positive integer")
		return
	}

	result, err := runSearch(r.Context(), cfg, params)
	if err != nil {
		logger.Error("search failed",
			zap.String("address", params.Address),
			zap.Error(err),
		)
		var notFound *geocode.NotFoundError
		if errors.As(err, &notFound) {
			httpError(w, http.StatusNotFound, notFound.Error())
			return
		}
		httpError(w, http.StatusBadGateway, "search failed")
		return
	}

	logger.Info("search complete",
		zap.String("address", params.Address),
		zap.Int("matches", len(result.Matches)),
		zap.Duration("elapsed", result.Elapsed),
	)

	resp := searchResponse{
		Count:        len(result.Matches),
		RadiusM:      params.RadiusMeters(),
		Blocks:       params.Blocks,
		BlockLengthM: params.BlockLength,
		Address:      params.Address,
		Matches:      make([]matchResponse, 0, len(result.Matches)),
	}
	for _, m := range result.Matches {
		resp.Matches = append(resp.Matches, matchResponse{
			RowID:     m.Record.RowID,
			TreeID:    m.Record.TreeID,
			Species:   m.Record.Species,
			Address:   m.Record.Address,
			PlantDate: m.Record.PlantDate,
			Latitude:  m.Record.Latitude,
			Longitude: m.Record.Longitude,
			DistanceM: m.DistanceMeters,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
