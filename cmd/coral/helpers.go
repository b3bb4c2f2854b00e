package main

import (
	"context"
	"fmt"
	"os"

	coral "github.com/coralchat/coral-go"
)

// getClient creates a Coral client from the stored configuration.
func getClient() *coral.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'coral init <api-key>' first.")
		os.Exit(1)
	}

	var opts []coral.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, coral.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.UserID != "" {
		opts = append(opts, coral.WithUserID(cfg.Default.UserID))
	}
	if cfg.Cache.RedisURL != "" {
		cache, err := coral.NewRedisCacheURL(context.Background(), cfg.Cache.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to cache: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, coral.WithCache(cache))
	}

	return coral.NewClient(cfg.Default.APIKey, opts...)
}
