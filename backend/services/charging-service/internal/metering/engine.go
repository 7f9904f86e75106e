package metering

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTariffPerKWh is the fixed price of one kWh.
const DefaultTariffPerKWh = 20.0

// DefaultTickInterval is how often a charging session is metered.
const DefaultTickInterval = 5 * time.Second

// Mode selects how elapsed time is measured for each tick.
type Mode int

const (
	// ModeDelta integrates the latest reading over the time since the previous applied tick.
	ModeDelta Mode = iota
	// ModeSinceRelayStart multiplies the latest reading by the total time since relay ON on
	// every tick and adds the result to the running total.
	ModeSinceRelayStart
)

func (m Mode) String() string {
	switch m {
	case ModeSinceRelayStart:
		return "since_relay_start"
	default:
		return "delta"
	}
}

// ParseMode maps a config value to a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "delta":
		return ModeDelta, nil
	case "since_relay_start", "since-relay-start":
		return ModeSinceRelayStart, nil
	default:
		return ModeDelta, fmt.Errorf("metering: unknown mode %q", raw)
	}
}

// Skip reasons reported when a tick does not mutate the session.
const (
	SkipNoReading        = "no_reading"
	SkipNonPositiveTime  = "non_positive_duration"
	SkipNonPositivePower = "non_positive_power"
)

// Input is one metering tick.
type Input struct {
	Voltage        float64
	Current        float64
	HasReading     bool
	RelayStart     time.Time
	LastTick       time.Time
	Now            time.Time
	EnergyConsumed float64
	AmountPaid     float64
}

// Result is the outcome of a tick. When Applied is false the session must not change.
type Result struct {
	Applied        bool
	SkipReason     string
	Increment      float64
	EnergyConsumed float64
	AmountUsed     float64
	Exhausted      bool
}

// Engine converts readings into energy and cost.
type Engine struct {
	Tariff float64
	Mode   Mode
}

// NewEngine returns an engine; a non-positive tariff falls back to the default.
func NewEngine(tariff float64, mode Mode) Engine {
	if tariff <= 0 {
		tariff = DefaultTariffPerKWh
	}
	return Engine{Tariff: tariff, Mode: mode}
}

// AmountFor prices energy in kWh.
func (e Engine) AmountFor(energyKWh float64) float64 {
	return energyKWh * e.Tariff
}

// Exhausted reports whether the budget is spent.
func (e Engine) Exhausted(amountUsed, amountPaid float64) bool {
	return amountUsed >= amountPaid
}

// Tick computes the next energy and amount.
func (e Engine) Tick(in Input) Result {
	skipped := func(reason string) Result {
		amount := e.AmountFor(in.EnergyConsumed)
		return Result{
			SkipReason:     reason,
			EnergyConsumed: in.EnergyConsumed,
			AmountUsed:     amount,
			Exhausted:      e.Exhausted(amount, in.AmountPaid),
		}
	}

	if !in.HasReading {
		return skipped(SkipNoReading)
	}

	from := in.RelayStart
	if e.Mode == ModeDelta && !in.LastTick.IsZero() && in.LastTick.After(from) {
		from = in.LastTick
	}
	hours := in.Now.Sub(from).Hours()
	if hours <= 0 {
		return skipped(SkipNonPositiveTime)
	}

	powerW := in.Voltage * in.Current
	if powerW <= 0 {
		return skipped(SkipNonPositivePower)
	}

	increment := powerW * hours / 1000
	energy := in.EnergyConsumed + increment
	amount := e.AmountFor(energy)
	return Result{
		Applied:        true,
		Increment:      increment,
		EnergyConsumed: energy,
		AmountUsed:     amount,
		Exhausted:      e.Exhausted(amount, in.AmountPaid),
	}
}
