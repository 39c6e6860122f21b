package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
)

func TestPrioritizeOrdersByCountryThenRecency(t *testing.T) {
	c := NewCoordinator(&config.Config{
		PriorityCountries: []string{"US", "GB"},
	}, nil, nil, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	candidates := []candidate{
		{phone: "a", country: "DE", lastSeen: base.Add(3 * time.Hour)},
		{phone: "b", country: "GB", lastSeen: base},
		{phone: "c", country: "US", lastSeen: base.Add(time.Hour)},
		{phone: "d", country: "US", lastSeen: base.Add(2 * time.Hour)},
		{phone: "e", country: "", lastSeen: base.Add(4 * time.Hour)},
	}

	c.prioritize(candidates)

	got := make([]string, len(candidates))
	for i, cand := range candidates {
		got[i] = cand.phone
	}
	// US by recency, then GB, then everyone else by recency.
	assert.Equal(t, []string{"d", "c", "b", "e", "a"}, got)
}

func TestPrioritizeWithoutPriorityCountries(t *testing.T) {
	c := NewCoordinator(&config.Config{}, nil, nil, nil)

	base := time.Now()
	candidates := []candidate{
		{phone: "old", lastSeen: base.Add(-time.Hour)},
		{phone: "new", lastSeen: base},
	}

	c.prioritize(candidates)
	assert.Equal(t, "new", candidates[0].phone)
	assert.Equal(t, "old", candidates[1].phone)
}
