// Package fee computes parking fees from stay duration and vehicle
// class. Tariff values are opaque integers; whether a site bills in
// whole rupiah or minor units is a configuration concern.
package fee

import "time"

// DefaultTariffs is used when configuration supplies no table.
var DefaultTariffs = map[int]int{
	1: 5000,
	2: 10000,
	3: 15000,
}

const fallbackClass = 1

// Calculator holds the tariff table read once at init.
type Calculator struct {
	tariffs map[int]int
}

// New copies the given table; nil or empty falls back to
// DefaultTariffs.
func New(tariffs map[int]int) *Calculator {
	t := make(map[int]int, len(tariffs))
	for k, v := range tariffs {
		t[k] = v
	}
	if len(t) == 0 {
		for k, v := range DefaultTariffs {
			t[k] = v
		}
	}
	return &Calculator{tariffs: t}
}

// Hours returns the billed duration: ceil((exit-entry)/1h), minimum 1.
func Hours(entry, exit time.Time) int {
	d := exit.Sub(entry)
	if d <= 0 {
		return 1
	}
	h := int(d / time.Hour)
	if d%time.Hour != 0 {
		h++
	}
	if h < 1 {
		h = 1
	}
	return h
}

// Rate returns the hourly tariff for a vehicle class; unknown classes
// bill at the class-1 rate. A configured table that itself omits class
// 1 falls through to the built-in default rather than billing zero.
func (c *Calculator) Rate(vehicleClass int) int {
	if r, ok := c.tariffs[vehicleClass]; ok {
		return r
	}
	if r, ok := c.tariffs[fallbackClass]; ok {
		return r
	}
	return DefaultTariffs[fallbackClass]
}

// Fee computes the amount owed. Members always owe zero.
func (c *Calculator) Fee(entry, exit time.Time, vehicleClass int, member bool) (amount, hours int) {
	hours = Hours(entry, exit)
	if member {
		return 0, hours
	}
	return hours * c.Rate(vehicleClass), hours
}
