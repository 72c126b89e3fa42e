package cache

import (
	"fmt"
	"slices"
	"time"
)

// Strategy pairs a memory TTL with a persistent TTL for a class of data.
// The cache does not enforce strategies; callers pick one per request.
type Strategy struct {
	Name    string        `json:"name" yaml:"name"`
	Memory  time.Duration `json:"memory" yaml:"memory"`
	Storage time.Duration `json:"storage" yaml:"storage"`
}

var (
	// APIData is for short-lived API responses.
	APIData = Strategy{Name: "apiData", Memory: time.Minute, Storage: 5 * time.Minute}
	// UserData is for profile and session data.
	UserData = Strategy{Name: "userData", Memory: 5 * time.Minute, Storage: 30 * time.Minute}
	// ConfigData is for rarely changing configuration.
	ConfigData = Strategy{Name: "configData", Memory: 30 * time.Minute, Storage: 24 * time.Hour}
)

var strategies = []Strategy{APIData, UserData, ConfigData}

// Strategies lists the predefined strategies.
func Strategies() []Strategy {
	return slices.Clone(strategies)
}

// StrategyByName looks up a predefined strategy.
func StrategyByName(name string) (Strategy, error) {
	for _, s := range strategies {
		if s.Name == name {
			return s, nil
		}
	}
	return Strategy{}, fmt.Errorf("unknown cache strategy: %s", name)
}
