package synth

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"meterdash/internal/models"
	"meterdash/internal/stats"
)

var ErrNoHistory = errors.New("no history")

const (
	// MinHourSamples is the smallest hour-of-day population sampled on its own.
	MinHourSamples = 5
	BreachFactor   = 1.5
	// BreachFallback stands in for the population maximum when it is not positive.
	BreachFallback = 20.0
	// IntervalFactor converts demand into energy over a 30 minute interval.
	IntervalFactor = 0.5

	PopulationHour = "hour"
	PopulationAll  = "all"
)

type Source interface {
	Devices() []string
	Load(deviceID string) ([]models.Reading, error)
}

type Generator struct {
	src       Source
	equipment map[string]string
	loc       *time.Location
	now       func() time.Time
	rand      func() float64
}

// NewGenerator builds a generator over src. equipment maps device ids to the
// label reported on generated readings.
func NewGenerator(src Source, equipment map[string]string, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.Local
	}
	return &Generator{src: src, equipment: equipment, loc: loc, now: time.Now, rand: rand.Float64}
}

// Result is one device entry of GenerateAll.
type Result struct {
	DeviceID string
	Reading  models.SyntheticReading
	Err      error
}

func (g *Generator) Generate(deviceID string, forceBreach bool) (models.SyntheticReading, error) {
	history, err := g.src.Load(deviceID)
	if err != nil {
		return models.SyntheticReading{}, err
	}
	if len(history) == 0 {
		return models.SyntheticReading{}, fmt.Errorf("%w: device %s", ErrNoHistory, deviceID)
	}

	now := g.now().In(g.loc)
	hour := now.Hour()
	population, label := history, PopulationAll
	if matched := byHour(history, hour, g.loc); len(matched) >= MinHourSamples {
		population, label = matched, PopulationHour
	}
	st := stats.ComputeStats(population, stats.Demand)

	var demand float64
	if forceBreach {
		peak := st.Max
		if peak <= 0 {
			peak = BreachFallback
		}
		demand = peak * BreachFactor
	} else {
		spread := st.StdDev
		if spread == 0 {
			spread = 1
		}
		demand = math.Max(0, st.Avg+(g.rand()-0.5)*spread)
	}
	demand = stats.Round2(demand)

	return models.SyntheticReading{
		DeviceID:       deviceID,
		Equipment:      g.equipmentFor(deviceID, history),
		Timestamp:      now,
		Demand:         demand,
		IntervalEnergy: stats.Round2(demand * IntervalFactor),
		Hour:           hour,
		Population:     label,
		SampleSize:     len(population),
		ForcedBreach:   forceBreach,
		Stats:          st,
	}, nil
}

// GenerateAll runs Generate for every configured device. A failing device
// carries its error and does not affect the others.
func (g *Generator) GenerateAll(forceBreach bool) []Result {
	devices := g.src.Devices()
	out := make([]Result, 0, len(devices))
	for _, id := range devices {
		r, err := g.Generate(id, forceBreach)
		out = append(out, Result{DeviceID: id, Reading: r, Err: err})
	}
	return out
}

func (g *Generator) equipmentFor(deviceID string, history []models.Reading) string {
	if e := g.equipment[deviceID]; e != "" {
		return e
	}
	for _, r := range history {
		if r.EquipmentTag != "" {
			return r.EquipmentTag
		}
	}
	return deviceID
}

func byHour(readings []models.Reading, hour int, loc *time.Location) []models.Reading {
	var out []models.Reading
	for _, r := range readings {
		if r.Timestamp.In(loc).Hour() == hour {
			out = append(out, r)
		}
	}
	return out
}
