package opt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every Config.Validate failure.
var ErrInvalidConfig = errors.New("opt: invalid config")

// Config is the immutable parameter set of one optimizer run. Battery values
// are in kWh, rates in kWh per metre.
type Config struct {
	BatteryCapacity     float64 `json:"batteryCapacity" yaml:"batteryCapacity"`
	SafetyMargin        float64 `json:"safetyMargin" yaml:"safetyMargin"` // fraction of capacity that must remain; 0 only forbids an empty battery
	ConsumptionPerMeter float64 `json:"consumptionPerMeter" yaml:"consumptionPerMeter"`
	ChargingPerMeter    float64 `json:"chargingPerMeter" yaml:"chargingPerMeter"`
	RangeFactor         float64 `json:"rangeFactor" yaml:"rangeFactor"`

	Ants       int     `json:"ants" yaml:"ants"`
	Iterations int     `json:"iterations" yaml:"iterations"`
	Alpha      float64 `json:"alpha" yaml:"alpha"`
	Beta       float64 `json:"beta" yaml:"beta"`
	Rho        float64 `json:"rho" yaml:"rho"`
	Q          float64 `json:"q" yaml:"q"`
	Tau0       float64 `json:"tau0" yaml:"tau0"`
	TauMin     float64 `json:"tauMin" yaml:"tauMin"`
	TauMax     float64 `json:"tauMax" yaml:"tauMax"`
	P0         float64 `json:"p0" yaml:"p0"`

	EliteSize       int `json:"eliteSize" yaml:"eliteSize"`
	PopulationSize  int `json:"populationSize" yaml:"populationSize"`
	RandomSeeds     int `json:"randomSeeds" yaml:"randomSeeds"`
	StagnationLimit int `json:"stagnationLimit" yaml:"stagnationLimit"`
	RepairAttempts  int `json:"repairAttempts" yaml:"repairAttempts"`

	WindowPass    bool `json:"windowPass" yaml:"windowPass"`
	WindowSize    int  `json:"windowSize" yaml:"windowSize"`
	MaxIdleSweeps int  `json:"maxIdleSweeps" yaml:"maxIdleSweeps"`
	SnapshotEvery int  `json:"snapshotEvery" yaml:"snapshotEvery"`

	TargetCost float64       `json:"targetCost,omitempty" yaml:"targetCost"`
	TimeBudget time.Duration `json:"timeBudget,omitempty" yaml:"timeBudget"`
	Seed       int64         `json:"seed,omitempty" yaml:"seed"`
}

// DefaultConfig returns the baseline parameters.
func DefaultConfig() Config {
	return Config{
		BatteryCapacity:     40,
		SafetyMargin:        0.2,
		ConsumptionPerMeter: 0.0013,
		ChargingPerMeter:    0.0026,
		RangeFactor:         0.7,

		Ants:       20,
		Iterations: 300,
		Alpha:      1,
		Beta:       2,
		Rho:        0.1,
		Q:          100,
		Tau0:       0.75,
		TauMin:     0.001,
		TauMax:     5,
		P0:         0.1,

		EliteSize:       5,
		PopulationSize:  30,
		RandomSeeds:     5,
		StagnationLimit: 100,
		RepairAttempts:  3,

		WindowPass:    true,
		WindowSize:    8,
		MaxIdleSweeps: 2,
		SnapshotEvery: 50,
	}
}

// MinBatteryLevel is the lowest charge a route may reach.
func (c Config) MinBatteryLevel() float64 { return c.BatteryCapacity * c.SafetyMargin }

// MaxUnpoweredDistance is the longest stretch a vehicle may run without wiring,
// derived from the usable charge and scaled by RangeFactor.
func (c Config) MaxUnpoweredDistance() float64 {
	return (c.BatteryCapacity - c.MinBatteryLevel()) / c.ConsumptionPerMeter * c.RangeFactor
}

// Validate reports the first out-of-range parameter.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case !(c.BatteryCapacity > 0):
		return bad("batteryCapacity must be > 0, got %v", c.BatteryCapacity)
	case c.SafetyMargin < 0 || c.SafetyMargin >= 1:
		return bad("safetyMargin must be in [0,1), got %v", c.SafetyMargin)
	case !(c.ConsumptionPerMeter > 0):
		return bad("consumptionPerMeter must be > 0, got %v", c.ConsumptionPerMeter)
	case !(c.ChargingPerMeter > 0):
		return bad("chargingPerMeter must be > 0, got %v", c.ChargingPerMeter)
	case !(c.RangeFactor > 0) || c.RangeFactor > 1:
		return bad("rangeFactor must be in (0,1], got %v", c.RangeFactor)
	case c.Ants < 1:
		return bad("ants must be >= 1, got %d", c.Ants)
	case c.Iterations < 1:
		return bad("iterations must be >= 1, got %d", c.Iterations)
	case c.Alpha < 0 || c.Beta < 0:
		return bad("alpha and beta must be >= 0")
	case !(c.Rho > 0) || c.Rho > 1:
		return bad("rho must be in (0,1], got %v", c.Rho)
	case !(c.Q > 0):
		return bad("q must be > 0, got %v", c.Q)
	case !(c.TauMin > 0):
		return bad("tauMin must be > 0, got %v", c.TauMin)
	case c.TauMax < c.TauMin:
		return bad("tauMax %v below tauMin %v", c.TauMax, c.TauMin)
	case !(c.Tau0 > 0):
		return bad("tau0 must be > 0, got %v", c.Tau0)
	case c.P0 < 0 || c.P0 > 1:
		return bad("p0 must be in [0,1], got %v", c.P0)
	case c.EliteSize < 1:
		return bad("eliteSize must be >= 1, got %d", c.EliteSize)
	case c.PopulationSize < c.EliteSize:
		return bad("populationSize %d below eliteSize %d", c.PopulationSize, c.EliteSize)
	case c.RandomSeeds < 0:
		return bad("randomSeeds must be >= 0")
	case c.StagnationLimit < 1:
		return bad("stagnationLimit must be >= 1, got %d", c.StagnationLimit)
	case c.RepairAttempts < 1:
		return bad("repairAttempts must be >= 1, got %d", c.RepairAttempts)
	case c.WindowPass && c.WindowSize < 1:
		return bad("windowSize must be >= 1 when windowPass is set")
	case c.MaxIdleSweeps < 1:
		return bad("maxIdleSweeps must be >= 1")
	case c.SnapshotEvery < 0:
		return bad("snapshotEvery must be >= 0")
	case c.TargetCost < 0:
		return bad("targetCost must be >= 0")
	case c.TimeBudget < 0:
		return bad("timeBudget must be >= 0")
	}
	return nil
}

// Overrides is a sparse set of Config changes. Nil fields keep the base value.
type Overrides struct {
	BatteryCapacity     *float64 `json:"batteryCapacity,omitempty" yaml:"batteryCapacity"`
	SafetyMargin        *float64 `json:"safetyMargin,omitempty" yaml:"safetyMargin"`
	ConsumptionPerMeter *float64 `json:"consumptionPerMeter,omitempty" yaml:"consumptionPerMeter"`
	ChargingPerMeter    *float64 `json:"chargingPerMeter,omitempty" yaml:"chargingPerMeter"`
	RangeFactor         *float64 `json:"rangeFactor,omitempty" yaml:"rangeFactor"`
	Ants                *int     `json:"ants,omitempty" yaml:"ants"`
	Iterations          *int     `json:"iterations,omitempty" yaml:"iterations"`
	Alpha               *float64 `json:"alpha,omitempty" yaml:"alpha"`
	Beta                *float64 `json:"beta,omitempty" yaml:"beta"`
	Rho                 *float64 `json:"rho,omitempty" yaml:"rho"`
	Q                   *float64 `json:"q,omitempty" yaml:"q"`
	Tau0                *float64 `json:"tau0,omitempty" yaml:"tau0"`
	TauMin              *float64 `json:"tauMin,omitempty" yaml:"tauMin"`
	TauMax              *float64 `json:"tauMax,omitempty" yaml:"tauMax"`
	P0                  *float64 `json:"p0,omitempty" yaml:"p0"`
	EliteSize           *int     `json:"eliteSize,omitempty" yaml:"eliteSize"`
	PopulationSize      *int     `json:"populationSize,omitempty" yaml:"populationSize"`
	RandomSeeds         *int     `json:"randomSeeds,omitempty" yaml:"randomSeeds"`
	StagnationLimit     *int     `json:"stagnationLimit,omitempty" yaml:"stagnationLimit"`
	RepairAttempts      *int     `json:"repairAttempts,omitempty" yaml:"repairAttempts"`
	WindowPass          *bool    `json:"windowPass,omitempty" yaml:"windowPass"`
	WindowSize          *int     `json:"windowSize,omitempty" yaml:"windowSize"`
	MaxIdleSweeps       *int     `json:"maxIdleSweeps,omitempty" yaml:"maxIdleSweeps"`
	SnapshotEvery       *int     `json:"snapshotEvery,omitempty" yaml:"snapshotEvery"`
	TargetCost          *float64 `json:"targetCost,omitempty" yaml:"targetCost"`
	TimeBudgetMs        *int64   `json:"timeBudgetMs,omitempty" yaml:"timeBudgetMs"`
	Seed                *int64   `json:"seed,omitempty" yaml:"seed"`
}

// Apply returns base with every non-nil override written over it.
func (o *Overrides) Apply(base Config) Config {
	if o == nil {
		return base
	}
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	c := base
	setF(&c.BatteryCapacity, o.BatteryCapacity)
	setF(&c.SafetyMargin, o.SafetyMargin)
	setF(&c.ConsumptionPerMeter, o.ConsumptionPerMeter)
	setF(&c.ChargingPerMeter, o.ChargingPerMeter)
	setF(&c.RangeFactor, o.RangeFactor)
	setI(&c.Ants, o.Ants)
	setI(&c.Iterations, o.Iterations)
	setF(&c.Alpha, o.Alpha)
	setF(&c.Beta, o.Beta)
	setF(&c.Rho, o.Rho)
	setF(&c.Q, o.Q)
	setF(&c.Tau0, o.Tau0)
	setF(&c.TauMin, o.TauMin)
	setF(&c.TauMax, o.TauMax)
	setF(&c.P0, o.P0)
	setI(&c.EliteSize, o.EliteSize)
	setI(&c.PopulationSize, o.PopulationSize)
	setI(&c.RandomSeeds, o.RandomSeeds)
	setI(&c.StagnationLimit, o.StagnationLimit)
	setI(&c.RepairAttempts, o.RepairAttempts)
	if o.WindowPass != nil {
		c.WindowPass = *o.WindowPass
	}
	setI(&c.WindowSize, o.WindowSize)
	setI(&c.MaxIdleSweeps, o.MaxIdleSweeps)
	setI(&c.SnapshotEvery, o.SnapshotEvery)
	setF(&c.TargetCost, o.TargetCost)
	if o.TimeBudgetMs != nil {
		c.TimeBudget = time.Duration(*o.TimeBudgetMs) * time.Millisecond
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	return c
}

// Merge layers next over o and returns the combined overrides.
func (o *Overrides) Merge(next *Overrides) *Overrides {
	out := &Overrides{}
	if o != nil {
		*out = *o
	}
	if next == nil {
		return out
	}
	pick := func(dst **float64, v *float64) {
		if v != nil {
			*dst = v
		}
	}
	pickI := func(dst **int, v *int) {
		if v != nil {
			*dst = v
		}
	}
	pick(&out.BatteryCapacity, next.BatteryCapacity)
	pick(&out.SafetyMargin, next.SafetyMargin)
	pick(&out.ConsumptionPerMeter, next.ConsumptionPerMeter)
	pick(&out.ChargingPerMeter, next.ChargingPerMeter)
	pick(&out.RangeFactor, next.RangeFactor)
	pickI(&out.Ants, next.Ants)
	pickI(&out.Iterations, next.Iterations)
	pick(&out.Alpha, next.Alpha)
	pick(&out.Beta, next.Beta)
	pick(&out.Rho, next.Rho)
	pick(&out.Q, next.Q)
	pick(&out.Tau0, next.Tau0)
	pick(&out.TauMin, next.TauMin)
	pick(&out.TauMax, next.TauMax)
	pick(&out.P0, next.P0)
	pickI(&out.EliteSize, next.EliteSize)
	pickI(&out.PopulationSize, next.PopulationSize)
	pickI(&out.RandomSeeds, next.RandomSeeds)
	pickI(&out.StagnationLimit, next.StagnationLimit)
	pickI(&out.RepairAttempts, next.RepairAttempts)
	if next.WindowPass != nil {
		out.WindowPass = next.WindowPass
	}
	pickI(&out.WindowSize, next.WindowSize)
	pickI(&out.MaxIdleSweeps, next.MaxIdleSweeps)
	pickI(&out.SnapshotEvery, next.SnapshotEvery)
	pick(&out.TargetCost, next.TargetCost)
	if next.TimeBudgetMs != nil {
		out.TimeBudgetMs = next.TimeBudgetMs
	}
	if next.Seed != nil {
		out.Seed = next.Seed
	}
	return out
}

type preset struct {
	capacity, minLevel, consumption, charging, target float64
}

// Fleet presets used in the reference experiments: battery size, minimum
// charge in kWh, rates, and the best known wired length for that fleet.
var presets = map[string]preset{
	"J": {capacity: 40, minLevel: 10, consumption: 0.0013, charging: 0.0026, target: 9835},
	"L": {capacity: 40, minLevel: 10, consumption: 0.0023, charging: 0.0026, target: 18811},
	"Z": {capacity: 30, minLevel: 10, consumption: 0.0023, charging: 0.0026, target: 20441},
}

// Preset returns DefaultConfig with the named fleet's battery parameters and
// target cost. Names are case-insensitive.
func Preset(name string) (Config, bool) {
	p, ok := presets[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Config{}, false
	}
	c := DefaultConfig()
	c.BatteryCapacity = p.capacity
	c.SafetyMargin = p.minLevel / p.capacity
	c.ConsumptionPerMeter = p.consumption
	c.ChargingPerMeter = p.charging
	c.TargetCost = p.target
	return c, true
}

// PresetNames lists the known presets in sorted order.
func PresetNames() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
