package config

import (
	"errors"
	"fmt"

	supa "github.com/supabase-community/supabase-go"
)

// NewSupabaseClient connects to the Supabase project used for asset storage.
// The service key is required; anonymous keys cannot sign download URLs for private buckets.
func NewSupabaseClient(cfg *Config) (*supa.Client, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, errors.New("supabase url and service key must be set")
	}
	client, err := supa.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("init supabase client: %w", err)
	}
	return client, nil
}
