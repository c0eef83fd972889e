// Package generator computes next-fire times for cron-kind message
// generators, supplementing the delay queue's re-arm logic for
// Source.Generator messages of kind "cron".
package generator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronGenerator computes successive fire times from a standard five-field
// cron expression.
type CronGenerator struct {
	name     string
	schedule cron.Schedule
}

// NewCronGenerator parses expr (standard five-field cron syntax) for a
// generator identified by name.
func NewCronGenerator(name, expr string) (*CronGenerator, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("generator: parse cron expression for %q: %w", name, err)
	}
	return &CronGenerator{name: name, schedule: schedule}, nil
}

// Name returns the generator's configured name.
func (g *CronGenerator) Name() string { return g.name }

// Next returns the next fire time strictly after from.
func (g *CronGenerator) Next(from time.Time) time.Time {
	return g.schedule.Next(from)
}
