package fare

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRates mirrors the flat per-unit rate charged by the booking flow.
var DefaultRates = Table{
	models.VehicleBike:   10,
	models.VehicleScooty: 10,
	models.VehicleAuto:   10,
	models.VehicleCab:    10,
}

// Table maps a vehicle class to its per-unit rate.
type Table map[models.VehicleClass]float64

// Compute returns max(1, distance) * rate(class).
func (t Table) Compute(distance float64, class models.VehicleClass) (float64, error) {
	rate, ok := t[class]
	if !ok {
		return 0, fmt.Errorf("no rate for vehicle class %q", class)
	}
	return math.Max(1, distance) * rate, nil
}

// ParseTable parses "bike=10,cab=20" on top of DefaultRates.
func ParseTable(v string) (Table, error) {
	out := make(Table, len(DefaultRates))
	for k, r := range DefaultRates {
		out[k] = r
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate %q", part)
		}
		class := models.VehicleClass(strings.ToLower(strings.TrimSpace(name)))
		if !class.Valid() {
			return nil, fmt.Errorf("unknown vehicle class %q", name)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid rate for %s: %q", class, raw)
		}
		out[class] = rate
	}
	return out, nil
}
