package models

// RateSheet is the read-only pricing input for one piece of equipment.
type RateSheet struct {
	EquipmentID        int64  `yaml:"id" json:"equipment_id"`
	Name               string `yaml:"name" json:"name"`
	DailyCents         int64  `yaml:"daily_cents" json:"daily_cents"`
	WeeklyCents        int64  `yaml:"weekly_cents" json:"weekly_cents"`
	MonthlyCents       int64  `yaml:"monthly_cents" json:"monthly_cents"`
	HourlyOverageCents int64  `yaml:"hourly_overage_cents" json:"hourly_overage_cents"`
	HoursPerDay        int    `yaml:"hours_per_day" json:"hours_per_day"`
	DepositCents       int64  `yaml:"deposit_cents" json:"deposit_cents"`
	SavingsOptimized   bool   `yaml:"savings_optimized" json:"savings_optimized"`
	Active             bool   `yaml:"active" json:"active"`
}
